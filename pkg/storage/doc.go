// Package storage provides persistence backends for pulse runtimes.
//
// Every backend implements pulse.Storage:
//
//	Get(ctx, key) ([]byte, bool, error)
//	Set(ctx, key, data) error
//	Remove(ctx, key) error
//
// plus Lister, which the CLI and devtools use to enumerate persisted keys.
//
// # Backends
//
//   - Memory: in-process, ordered by key. The default for tests and demos.
//   - Bolt: a single bbolt file. Survives restarts of one process.
//   - SQL: any database/sql driver (PostgreSQL, MySQL, SQLite).
//   - S3: objects in a bucket. Reports Async, so the runtime writes in the
//     background and restores without blocking.
//   - Redis: any client matching RedisClient (go-redis compatible).
//
// Backends are safe for concurrent use. Operations after Close return
// ErrClosed.
//
// # Codecs
//
// Values are encoded by the runtime's pulse.Codec. JSON is the default;
// YAMLCodec stores human-editable documents.
package storage
