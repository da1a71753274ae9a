package main

import (
	"context"
	"database/sql"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	_ "github.com/mattn/go-sqlite3"

	"github.com/vango-dev/pulse/internal/config"
	"github.com/vango-dev/pulse/internal/errors"
	"github.com/vango-dev/pulse/pkg/pulse"
	"github.com/vango-dev/pulse/pkg/storage"
)

// driverNames maps SQL dialects to database/sql driver names. Only sqlite3
// is linked into the binary; other drivers must be added by a fork.
var driverNames = map[string]string{
	"sqlite":   "sqlite3",
	"postgres": "postgres",
	"mysql":    "mysql",
}

// openBackend opens the storage the config names, plus its codec.
func openBackend(ctx context.Context, cfg *config.Config) (storage.Backend, pulse.Codec, error) {
	var codec pulse.Codec = pulse.JSONCodec{}
	if cfg.Storage.Codec == "yaml" {
		codec = storage.YAMLCodec{}
	}

	unavailable := func(err error) error {
		return errors.New("P030").WithSubject(cfg.Storage.Backend).Wrap(err)
	}

	switch cfg.Storage.Backend {
	case "bolt":
		b, err := storage.OpenBolt(cfg.StoragePath())
		if err != nil {
			return nil, nil, unavailable(err)
		}
		return b, codec, nil

	case "sql":
		dialect, err := storage.ParseDialect(cfg.Storage.Dialect)
		if err != nil {
			return nil, nil, unavailable(err)
		}
		db, err := sql.Open(driverNames[cfg.Storage.Dialect], cfg.Storage.DSN)
		if err != nil {
			return nil, nil, unavailable(err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, unavailable(err)
		}
		store := storage.NewSQL(db, storage.WithDialect(dialect), storage.WithTableName(cfg.Storage.Table))
		if err := store.CreateTable(ctx); err != nil {
			db.Close()
			return nil, nil, unavailable(err)
		}
		return &ownedSQL{SQL: store, db: db}, codec, nil

	case "s3":
		client := s3.New(s3.Options{
			Region:      cfg.Storage.Region,
			Credentials: aws.NewCredentialsCache(envCredentials()),
		})
		return storage.NewS3(client, cfg.Storage.Bucket, storage.WithObjectPrefix(cfg.Storage.ObjectPrefix)), codec, nil

	default:
		return storage.NewMemory(), codec, nil
	}
}

// ownedSQL closes the database handle the CLI opened.
type ownedSQL struct {
	*storage.SQL
	db *sql.DB
}

func (o *ownedSQL) Close() error {
	o.SQL.Close()
	return o.db.Close()
}

// envCredentials reads the standard AWS_* environment variables.
func envCredentials() aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		creds := aws.Credentials{
			AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
			SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
			Source:          "environment",
		}
		if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
			return aws.Credentials{}, errors.New("P030").
				WithSubject("s3").
				WithDetail("AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set")
		}
		return creds, nil
	})
}
