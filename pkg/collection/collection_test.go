package collection

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/vango-dev/pulse/pkg/pulse"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCollection(t *testing.T, opts ...Option) (*pulse.Runtime, *Collection) {
	t.Helper()
	rt := pulse.NewRuntime(pulse.WithLogger(quietLogger()))
	return rt, New(rt, "users", opts...)
}

func names(recs []Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r["name"].(string))
	}
	return out
}

func TestKeyOf(t *testing.T) {
	tests := []struct {
		in   any
		want Key
		ok   bool
	}{
		{"abc", "abc", true},
		{"", "", false},
		{42, "42", true},
		{int64(-7), "-7", true},
		{uint8(3), "3", true},
		{42.0, "42", true},
		{4.5, "", false},
		{nil, "", false},
		{Key("k"), "k", true},
		{[]int{1}, "", false},
	}
	for _, tt := range tests {
		got, ok := KeyOf(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("KeyOf(%#v) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestCollectDetectsPrimaryKey(t *testing.T) {
	tests := []struct {
		name   string
		opts   []Option
		record Record
		field  string
		key    Key
	}{
		{"id", nil, Record{"id": 1, "name": "Ada"}, "id", "1"},
		{"_id", nil, Record{"_id": "x9", "name": "Ada"}, "_id", "x9"},
		{"declared", []Option{PrimaryKey("email")}, Record{"email": "ada@example.com", "name": "Ada"}, "email", "ada@example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, users := newTestCollection(t, tt.opts...)
			if err := users.Collect(tt.record); err != nil {
				t.Fatalf("Collect: %v", err)
			}
			if users.PrimaryKeyField() != tt.field {
				t.Errorf("PrimaryKeyField() = %q, want %q", users.PrimaryKeyField(), tt.field)
			}
			if !users.Has(tt.key) {
				t.Errorf("expected record under %q", tt.key)
			}
		})
	}
}

func TestCollectSkipsRecordsWithoutKey(t *testing.T) {
	_, users := newTestCollection(t)
	err := users.Collect([]Record{
		{"id": 1, "name": "Ada"},
		{"name": "anonymous"},
	})
	if !stderrors.Is(err, ErrNoPrimaryKey) {
		t.Errorf("expected ErrNoPrimaryKey, got %v", err)
	}
	if users.Size() != 1 {
		t.Errorf("Size() = %d, want 1", users.Size())
	}
}

func TestCollectStructs(t *testing.T) {
	type user struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}
	_, users := newTestCollection(t)
	if err := users.Collect([]user{{1, "Ada"}, {2, "Grace"}}); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	got := users.Get(nil, "2")
	if got["name"] != "Grace" {
		t.Errorf("expected Grace, got %v", got)
	}
}

func TestCollectWritesEachGroupOnce(t *testing.T) {
	rt, users := newTestCollection(t, WithGroups("admins"))
	admins := users.GetGroup(nil, "admins")

	groupWrites := 0
	admins.State.SideEffect("count", func(job *pulse.Job) {
		if !job.IsRefresh() {
			groupWrites++
		}
	})
	notified := 0
	rt.SubscribeWithArray("view", []pulse.Observable{admins}, func() { notified++ })

	items := make([]Record, 0, 50)
	for i := 0; i < 50; i++ {
		items = append(items, Record{"id": i, "name": "user"})
	}
	if err := users.Collect(items, IntoGroups("admins")); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	if groupWrites != 1 {
		t.Errorf("expected a single key-array write, got %d", groupWrites)
	}
	if notified != 1 {
		t.Errorf("expected a single notification, got %d", notified)
	}
	if admins.Size() != 50 || len(admins.Output()) != 50 {
		t.Errorf("expected 50 keys and records, got %d/%d", admins.Size(), len(admins.Output()))
	}
}

func TestCollectPatchAndReplace(t *testing.T) {
	_, users := newTestCollection(t)
	users.Collect(Record{"id": 1, "name": "Ada", "profile": Record{"city": "London", "lang": "en"}})

	users.Collect(Record{"id": 1, "profile": Record{"city": "Paris"}}, Patch())
	want := Record{"id": 1, "name": "Ada", "profile": Record{"city": "Paris", "lang": "en"}}
	if diff := cmp.Diff(want, users.Get(nil, "1")); diff != "" {
		t.Errorf("patched record (-want +got):\n%s", diff)
	}

	users.Collect(Record{"id": 1, "name": "Grace"})
	want = Record{"id": 1, "name": "Grace"}
	if diff := cmp.Diff(want, users.Get(nil, "1")); diff != "" {
		t.Errorf("replaced record (-want +got):\n%s", diff)
	}
}

func TestCollectPrependKeepsOrder(t *testing.T) {
	_, users := newTestCollection(t)
	users.Collect([]Record{{"id": 1, "name": "a"}, {"id": 2, "name": "b"}})
	users.Collect([]Record{{"id": 3, "name": "c"}, {"id": 4, "name": "d"}, {"id": 1, "name": "a2"}}, Prepend())

	got := users.GetGroup(nil, DefaultGroup).Keys()
	want := []Key{"3", "4", "1", "2"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("default group keys (-want +got):\n%s", diff)
	}
}

func TestGroupTracksMissingKeys(t *testing.T) {
	_, users := newTestCollection(t)
	featured := users.CreateGroup("featured", "1", "2", "3")

	if diff := cmp.Diff([]Key{"1", "2", "3"}, featured.Missing()); diff != "" {
		t.Errorf("missing (-want +got):\n%s", diff)
	}
	if len(featured.Output()) != 0 {
		t.Errorf("expected empty output, got %v", featured.Output())
	}

	// Collecting a missing key fills the placeholder and wakes the group,
	// even though the group's keys did not change.
	users.Collect(Record{"id": 2, "name": "Grace"})

	if diff := cmp.Diff([]string{"Grace"}, names(featured.Output())); diff != "" {
		t.Errorf("output (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]Key{"1", "3"}, featured.Missing()); diff != "" {
		t.Errorf("missing after collect (-want +got):\n%s", diff)
	}
}

func TestGroupRebuildsOnRecordChange(t *testing.T) {
	_, users := newTestCollection(t)
	users.Collect([]Record{{"id": 1, "name": "Ada"}, {"id": 2, "name": "Grace"}})
	all := users.GetGroup(nil, DefaultGroup)

	var seen [][]string
	all.Watch("names", func(out []Record) { seen = append(seen, names(out)) })

	if err := users.Update("1", Record{"name": "Ada L."}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	want := [][]string{{"Ada L.", "Grace"}}
	if diff := cmp.Diff(want, seen); diff != "" {
		t.Errorf("watcher outputs (-want +got):\n%s", diff)
	}
}

func TestGroupCompute(t *testing.T) {
	upper := func(r Record) Record {
		r["label"] = "user:" + r["name"].(string)
		return r
	}
	_, users := newTestCollection(t, WithCompute(upper))
	users.Collect(Record{"id": 1, "name": "Ada"})

	all := users.GetGroup(nil, DefaultGroup)
	if got := all.Output()[0]["label"]; got != "user:Ada" {
		t.Errorf("collection compute label = %v", got)
	}
	if _, ok := users.Get(nil, "1")["label"]; ok {
		t.Error("compute must not modify the stored record")
	}

	all.SetCompute(func(r Record) Record {
		r["label"] = "group:" + r["name"].(string)
		return r
	})
	if got := all.Output()[0]["label"]; got != "group:Ada" {
		t.Errorf("group compute label = %v", got)
	}
}

func TestGroupAdd(t *testing.T) {
	_, users := newTestCollection(t)
	g := users.CreateGroup("g", "a", "b", "c")

	g.Add("a")
	if diff := cmp.Diff([]Key{"b", "c", "a"}, g.Keys()); diff != "" {
		t.Errorf("Add moves existing key to the end (-want +got):\n%s", diff)
	}

	g.Add("b", NoOverwrite())
	if diff := cmp.Diff([]Key{"b", "c", "a"}, g.Keys()); diff != "" {
		t.Errorf("NoOverwrite leaves key in place (-want +got):\n%s", diff)
	}

	g.Add("d", AtIndex(1))
	g.Add("e", AtIndex(100))
	g.Unshift("f")
	want := []Key{"f", "b", "d", "c", "a", "e"}
	if diff := cmp.Diff(want, g.Keys()); diff != "" {
		t.Errorf("keys (-want +got):\n%s", diff)
	}
	if g.Index("d") != 2 || !g.Has("e") || g.Has("z") {
		t.Errorf("Index/Has inconsistent: %v", g.Keys())
	}

	g.Remove("b", "e")
	if diff := cmp.Diff([]Key{"f", "d", "c", "a"}, g.Keys()); diff != "" {
		t.Errorf("after Remove (-want +got):\n%s", diff)
	}
}

// Output never outgrows the key array and repeated adds never duplicate.
func TestGroupInvariantsUnderMixedOperations(t *testing.T) {
	_, users := newTestCollection(t)
	g := users.CreateGroup("mixed")

	check := func(step string) {
		t.Helper()
		keys := g.Keys()
		if len(g.Output()) > len(keys) {
			t.Fatalf("%s: output %d > keys %d", step, len(g.Output()), len(keys))
		}
		seen := map[Key]bool{}
		for _, k := range keys {
			if seen[k] {
				t.Fatalf("%s: duplicate key %q in %v", step, k, keys)
			}
			seen[k] = true
		}
	}

	for i := 0; i < 20; i++ {
		key := Key([]string{"1", "2", "3", "4"}[i%4])
		g.Add(key)
		check("add")
		if i%3 == 0 {
			users.Collect(Record{"id": string(key), "name": "n"}, IntoGroups("mixed"))
			check("collect")
		}
		if i%5 == 0 {
			users.Remove(key).Everywhere()
			check("remove")
		}
		if i%7 == 0 && users.Has("1") {
			users.Update("1", Record{"id": "9"})
			check("update")
		}
	}
}

func TestUpdateRelocatesPrimaryKey(t *testing.T) {
	rt, users := newTestCollection(t, WithGroups("team", "other"))
	users.Collect([]Record{
		{"id": "a", "name": "Ada"},
		{"id": "b", "name": "Grace"},
		{"id": "c", "name": "Linus"},
	}, IntoGroups("team"))
	users.CreateGroup("other").Add("b")
	users.CreateGroup("other").Add("z")

	var patches []int
	team := users.GetGroup(nil, "team")
	rt.SubscribeWithArray("view", []pulse.Observable{team}, func() {
		patches = append(patches, len(team.Keys()))
	})

	if err := users.Update("b", Record{"id": "b2", "name": "Grace H."}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	moved := users.FindByID(nil, "b2").Value()
	want := Record{"id": "b2", "name": "Grace H."}
	if diff := cmp.Diff(want, moved); diff != "" {
		t.Errorf("relocated record (-want +got):\n%s", diff)
	}
	if old := users.FindByID(nil, "b").Value(); old != nil {
		t.Errorf("old key should be a placeholder, got %v", old)
	}
	if diff := cmp.Diff([]Key{"a", "b2", "c"}, team.Keys()); diff != "" {
		t.Errorf("team keys (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]Key{"a", "b2", "c"}, users.GetGroup(nil, DefaultGroup).Keys()); diff != "" {
		t.Errorf("default keys (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]Key{"b2", "z"}, users.GetGroup(nil, "other").Keys()); diff != "" {
		t.Errorf("other keys (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]int{DefaultGroup: 1, "team": 1, "other": 0}, users.GroupsOf("b2")); diff != "" {
		t.Errorf("back-reference index (-want +got):\n%s", diff)
	}
	if len(users.GroupsOf("b")) != 0 {
		t.Errorf("old key still indexed: %v", users.GroupsOf("b"))
	}
	if len(patches) != 1 {
		t.Errorf("relocation should notify once, got %d", len(patches))
	}
}

func TestUpdateMissingRecord(t *testing.T) {
	_, users := newTestCollection(t)
	err := users.Update("nope", Record{"name": "x"})
	if !stderrors.Is(err, ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestUpdateShallow(t *testing.T) {
	_, users := newTestCollection(t)
	users.Collect(Record{"id": 1, "prefs": Record{"a": 1, "b": 2}})

	users.Update("1", Record{"prefs": Record{"a": 3}}, Shallow())
	want := Record{"id": 1, "prefs": Record{"a": 3}}
	if diff := cmp.Diff(want, users.Get(nil, "1")); diff != "" {
		t.Errorf("shallow update (-want +got):\n%s", diff)
	}
}

func TestRemoveFromGroupsKeepsRecord(t *testing.T) {
	_, users := newTestCollection(t, WithGroups("admins"))
	users.Collect([]Record{{"id": 1, "name": "Ada"}, {"id": 2, "name": "Grace"}}, IntoGroups("admins"))

	users.Remove("1").FromGroups("admins")

	if users.GetGroup(nil, "admins").Has("1") {
		t.Error("key should be gone from admins")
	}
	if !users.GetGroup(nil, DefaultGroup).Has("1") || !users.Has("1") {
		t.Error("record and other groups should be untouched")
	}

	users.Remove("2").Everywhere()
	if users.Has("2") {
		t.Error("Everywhere should delete the record")
	}
	if users.GetGroup(nil, DefaultGroup).Has("2") {
		t.Error("Everywhere should remove the key from every group")
	}
	if users.Size() != 1 {
		t.Errorf("Size() = %d, want 1", users.Size())
	}
}

func TestComputedOverCollection(t *testing.T) {
	rt, users := newTestCollection(t)

	runs := 0
	count := pulse.NewComputed(rt, func(tr *pulse.Tracker) int {
		runs++
		return len(users.GetGroup(tr, DefaultGroup).Track(tr))
	})
	user := pulse.NewComputed(rt, func(tr *pulse.Tracker) string {
		rec := users.Get(tr, "7")
		if rec == nil {
			return "unknown"
		}
		return rec["name"].(string)
	})

	if count.Value() != 0 || user.Value() != "unknown" {
		t.Fatalf("unexpected initial values %d %q", count.Value(), user.Value())
	}

	users.Collect(Record{"id": 7, "name": "Ada"})

	if count.Value() != 1 {
		t.Errorf("count = %d, want 1", count.Value())
	}
	if user.Value() != "Ada" {
		t.Errorf("user = %q, want Ada", user.Value())
	}
}

func TestSelector(t *testing.T) {
	_, users := newTestCollection(t)
	users.Collect([]Record{{"id": 1, "name": "Ada"}, {"id": 2, "name": "Grace"}})

	current := users.Select("current", "1")
	if current.Value()["name"] != "Ada" {
		t.Errorf("expected Ada, got %v", current.Value())
	}

	current.Select("2")
	if current.Selected() != "2" || current.Value()["name"] != "Grace" {
		t.Errorf("expected Grace, got %v", current.Value())
	}

	users.Update("2", Record{"name": "Grace H."})
	if current.Value()["name"] != "Grace H." {
		t.Errorf("selector should follow updates, got %v", current.Value())
	}

	if users.Select("current", "1") != current {
		t.Error("Select with an existing name should reuse the selector")
	}
	if current.Value()["name"] != "Ada" {
		t.Errorf("expected Ada after reselect, got %v", current.Value())
	}
}

func TestCollectionReset(t *testing.T) {
	_, users := newTestCollection(t, WithGroups("g"))
	users.Collect([]Record{{"id": 1}, {"id": 2}}, IntoGroups("g"))

	users.Reset()

	if users.Size() != 0 {
		t.Errorf("Size() = %d after Reset", users.Size())
	}
	if users.GetGroup(nil, "g").Size() != 0 {
		t.Error("groups should be empty after Reset")
	}
}

// memStorage is a minimal pulse.Storage for persistence tests.
type memStorage struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memStorage) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memStorage) Set(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = data
	return nil
}

func (m *memStorage) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memStorage) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok
}

func TestCollectionPersistRoundTrip(t *testing.T) {
	store := &memStorage{data: map[string][]byte{}}

	rt1 := pulse.NewRuntime(pulse.WithLogger(quietLogger()), pulse.WithStorage(store))
	users1 := New(rt1, "users", WithGroups("admins"))
	users1.Persist()
	users1.Collect([]Record{{"id": 1, "name": "Ada"}, {"id": 2, "name": "Grace"}}, IntoGroups("admins"))
	users1.Remove("1").FromGroups("admins")

	for _, key := range []string{"pulse:users/1", "pulse:users/2", "pulse:users/group/default", "pulse:users/group/admins"} {
		if !store.has(key) {
			t.Errorf("expected %s in storage", key)
		}
	}

	rt2 := pulse.NewRuntime(pulse.WithLogger(quietLogger()), pulse.WithStorage(store))
	users2 := New(rt2, "users", WithGroups("admins"))
	users2.Persist()

	if diff := cmp.Diff([]string{"Ada", "Grace"}, names(users2.GetGroup(nil, DefaultGroup).Output())); diff != "" {
		t.Errorf("restored default group (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]Key{"2"}, users2.GetGroup(nil, "admins").Keys()); diff != "" {
		t.Errorf("restored admins (-want +got):\n%s", diff)
	}

	users2.Remove("2").Everywhere()
	if store.has("pulse:users/2") {
		t.Error("deleted record should be removed from storage")
	}
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

func TestRelocationNeverShowsBothKeys(t *testing.T) {
	_, users := newTestCollection(t)
	users.Collect([]Record{
		{"id": "1", "name": "Ada"},
		{"id": "2", "name": "Grace"},
	})

	present := pulse.NewComputed(users.rt, func(tr *pulse.Tracker) int {
		n := 0
		for _, k := range []Key{"1", "9"} {
			if users.Get(tr, k) != nil {
				n++
			}
		}
		return n
	})
	var counts []int
	present.Watch("counts", func(n int) { counts = append(counts, n) })

	var outputs [][]string
	users.GetGroup(nil, DefaultGroup).Watch("outputs", func(out []Record) {
		outputs = append(outputs, names(out))
	})

	if err := users.Update("1", Record{"id": "9"}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	for _, n := range counts {
		if n != 1 {
			t.Errorf("record observed under %d keys during relocation (all: %v)", n, counts)
		}
	}
	if present.Value() != 1 {
		t.Errorf("present = %d, want 1", present.Value())
	}
	for _, out := range outputs {
		if diff := cmp.Diff([]string{"Ada", "Grace"}, out); diff != "" {
			t.Errorf("group output during relocation (-want +got):\n%s", diff)
		}
	}
	if len(outputs) == 0 {
		t.Error("group watcher not called")
	}
}

func TestCollectRecomputesGroupDependentsOnce(t *testing.T) {
	_, users := newTestCollection(t)
	batch := func(v int) []Record {
		return []Record{
			{"id": 1, "name": "a", "v": v},
			{"id": 2, "name": "b", "v": v},
			{"id": 3, "name": "c", "v": v},
		}
	}
	users.Collect(batch(1))

	runs := 0
	sum := pulse.NewComputed(users.rt, func(tr *pulse.Tracker) int {
		runs++
		total := 0
		for _, rec := range users.GetGroup(tr, DefaultGroup).Output() {
			total += toInt(rec["v"])
		}
		return total
	})
	var seen []int
	sum.Watch("seen", func(n int) { seen = append(seen, n) })
	runs = 0

	users.Collect(batch(2))

	if runs != 1 {
		t.Errorf("sum recomputed %d times for one collect, want 1", runs)
	}
	if diff := cmp.Diff([]int{6}, seen); diff != "" {
		t.Errorf("sum values seen (-want +got):\n%s", diff)
	}
}
