package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/jpeg"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/faceattend/internal/application"
	"github.com/example/faceattend/internal/classifier"
	"github.com/example/faceattend/internal/config"
	"github.com/example/faceattend/internal/events"
	"github.com/example/faceattend/internal/persistence"
	"github.com/example/faceattend/internal/persistence/sqlite"
	"github.com/example/faceattend/internal/recognition"
	"github.com/example/faceattend/internal/testfixtures"
)

type closingEngine struct {
	*testfixtures.FakeEngine
}

func (closingEngine) Close() error { return nil }

func fakeEngineFactory(engine *testfixtures.FakeEngine) engineFactory {
	return func(context.Context, config.Config, *slog.Logger) (faceEngine, error) {
		return closingEngine{engine}, nil
	}
}

func oneFaceEngine() *testfixtures.FakeEngine {
	engine := &testfixtures.FakeEngine{}
	engine.SetBoxes(recognition.BoundingBox{Left: 1, Top: 1, Right: 7, Bottom: 7})
	return engine
}

func runCommand(t *testing.T, a *app, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(a)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// seedStore creates a migrated SQLite database at path holding the given
// employees and one meeting attended by all of them.
func seedStore(t *testing.T, path string, nos ...string) (map[string]int64, int64) {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.Open(ctx, path)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ids := make(map[string]int64, len(nos))
	attendees := make([]int64, 0, len(nos))
	for _, no := range nos {
		e := testfixtures.NewEmployee(testfixtures.WithEmployeeNo(no))
		result, err := store.CreateEmployee(ctx, persistence.NewEmployee{Employee: e, FaceReps: []byte{0}})
		if err != nil {
			t.Fatalf("seed employee %s: %v", no, err)
		}
		ids[no] = result.EmployeeID
		attendees = append(attendees, result.EmployeeID)
	}
	meetingID, err := store.CreateMeeting(ctx, attendees)
	if err != nil {
		t.Fatalf("seed meeting: %v", err)
	}
	return ids, meetingID
}

func writeJPEG(t *testing.T, path string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if err := jpeg.Encode(f, testfixtures.Image(8, 8), nil); err != nil {
		t.Fatalf("encode %s: %v", path, err)
	}
}

func TestConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "faceattend.yaml")
	content := "server:\n  port: 9100\n  web_port: 8100\nlog:\n  level: warn\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	a := newApp()
	if _, err := runCommand(t, a, "", "hash-key", "k", "--config", path, "--log-level", "debug"); err != nil {
		t.Fatalf("hash-key failed: %v", err)
	}
	if a.cfg.Server.Port != 9100 || a.cfg.Server.WebPort != 8100 {
		t.Fatalf("config file not applied: %+v", a.cfg.Server)
	}
	if a.cfg.Log.Level != "debug" {
		t.Fatalf("flag should override the file, got level %q", a.cfg.Log.Level)
	}
	if a.cfg.Pipeline.Workers != 4 {
		t.Fatalf("defaults should fill unset keys, got %d workers", a.cfg.Pipeline.Workers)
	}

	a = newApp()
	serve, _, err := newRootCmd(a).Find([]string{"serve"})
	if err != nil {
		t.Fatalf("serve command missing: %v", err)
	}
	if err := serve.Flags().Set("port", "9200"); err != nil {
		t.Fatalf("set port: %v", err)
	}
	if err := serve.Flags().Set("enable-ssl", "true"); err != nil {
		t.Fatalf("set enable-ssl: %v", err)
	}
	if _, err := config.Load(a.v, path); err == nil || !strings.Contains(err.Error(), "tls.key") {
		t.Fatalf("expected missing tls.key, got %v", err)
	}
	if err := serve.Flags().Set("ssl-key", "server.key"); err != nil {
		t.Fatalf("set ssl-key: %v", err)
	}
	if err := serve.Flags().Set("ssl-crt", "server.crt"); err != nil {
		t.Fatalf("set ssl-crt: %v", err)
	}
	cfg, err := config.Load(a.v, path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9200 || !cfg.TLS.Enabled || cfg.TLS.Crt != "server.crt" {
		t.Fatalf("serve flags not bound: %+v %+v", cfg.Server, cfg.TLS)
	}
}

func TestMigrateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "faceattend.db")

	out, err := runCommand(t, newApp(), "", "migrate", "--db", path, "--log-format", "text")
	if err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	if !strings.Contains(out, "database migrations completed successfully") {
		t.Fatalf("expected completion log, got %q", out)
	}

	store, err := sqlite.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("reopen storage: %v", err)
	}
	defer store.Close()
	employees, err := store.LoadAllEmployees(context.Background())
	if err != nil {
		t.Fatalf("schema missing after migrate: %v", err)
	}
	if len(employees) != 0 {
		t.Fatalf("expected empty roster, got %d", len(employees))
	}
}

func TestHashKeyCommand(t *testing.T) {
	t.Run("argument", func(t *testing.T) {
		out, err := runCommand(t, newApp(), "", "hash-key", "s3cret")
		if err != nil {
			t.Fatalf("hash-key failed: %v", err)
		}
		if err := application.VerifyKey(strings.TrimSpace(out), "s3cret"); err != nil {
			t.Fatalf("printed hash does not verify: %v", err)
		}
	})

	t.Run("stdin", func(t *testing.T) {
		out, err := runCommand(t, newApp(), "piped\n", "hash-key")
		if err != nil {
			t.Fatalf("hash-key failed: %v", err)
		}
		hash := strings.TrimSpace(out)
		if err := application.VerifyKey(hash, "piped"); err != nil {
			t.Fatalf("printed hash does not verify: %v", err)
		}
		if err := application.VerifyKey(hash, "other"); !errors.Is(err, application.ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized for wrong key, got %v", err)
		}
	})

	t.Run("empty", func(t *testing.T) {
		if _, err := runCommand(t, newApp(), "\n", "hash-key"); err == nil {
			t.Fatal("expected error for empty key")
		}
	})
}

func TestScanAvatars(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"E002.jpeg", "E001.JPG", "E003.png", "notes.txt", ".jpg"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "E004.jpg"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	files, err := scanAvatars(dir)
	if err != nil {
		t.Fatalf("scanAvatars failed: %v", err)
	}
	want := []struct{ no, mime string }{
		{"E001", "image/jpeg"},
		{"E002", "image/jpeg"},
		{"E003", "image/png"},
	}
	if len(files) != len(want) {
		t.Fatalf("expected %d files, got %+v", len(want), files)
	}
	for i, w := range want {
		if files[i].employeeNo != w.no || files[i].mime != w.mime {
			t.Fatalf("file %d: got %+v, want %s %s", i, files[i], w.no, w.mime)
		}
	}

	if _, err := scanAvatars(filepath.Join(dir, "missing")); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestEnrollCommand(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "faceattend.db")
	ids, _ := seedStore(t, dbPath, "E001", "E002")

	avatars := filepath.Join(dir, "avatars")
	if err := os.Mkdir(avatars, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeJPEG(t, filepath.Join(avatars, "E001.jpg"))
	writeJPEG(t, filepath.Join(avatars, "E999.jpg"))
	if err := os.WriteFile(filepath.Join(avatars, "README"), []byte("ignored"), 0o644); err != nil {
		t.Fatalf("write README: %v", err)
	}

	a := newApp()
	engine := oneFaceEngine()
	a.newEngine = fakeEngineFactory(engine)
	out, err := runCommand(t, a, "", "enroll", "--dir", avatars, "--db", dbPath, "--log-level", "error")
	if err == nil || !strings.Contains(err.Error(), "1 avatars failed") {
		t.Fatalf("expected one failure, got %v", err)
	}
	if !strings.Contains(out, "enrolled 1 of 2 avatars") || !strings.Contains(out, "E999: unknown employee") {
		t.Fatalf("unexpected summary %q", out)
	}
	if engine.EncodeCalls() != 1 {
		t.Fatalf("expected one encode call, got %d", engine.EncodeCalls())
	}

	store, err := sqlite.Open(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("reopen storage: %v", err)
	}
	defer store.Close()
	info, err := store.GetEmployeeInfo(context.Background(), ids["E001"])
	if err != nil {
		t.Fatalf("GetEmployeeInfo failed: %v", err)
	}
	if !strings.HasPrefix(info.Avatar, "data:image/jpeg;base64,") {
		t.Fatalf("avatar not stored as a data URL: %.40q", info.Avatar)
	}
	reps, err := store.GetFaceReps(context.Background(), ids["E001"])
	if err != nil {
		t.Fatalf("GetFaceReps failed: %v", err)
	}
	if d, err := classifier.UnmarshalDescriptor(reps.Reps); err != nil || len(d) != 1 {
		t.Fatalf("face reps not refreshed: %v %v", d, err)
	}
	untouched, err := store.GetFaceReps(context.Background(), ids["E002"])
	if err != nil {
		t.Fatalf("GetFaceReps failed: %v", err)
	}
	if !bytes.Equal(untouched.Reps, []byte{0}) {
		t.Fatalf("E002 should be untouched, got %v", untouched.Reps)
	}
}

func TestEnrollCommandRequiresDir(t *testing.T) {
	if _, err := runCommand(t, newApp(), "", "enroll"); err == nil {
		t.Fatal("expected error without --dir")
	}
}

type fakeEmployeeRepository struct {
	persistence.EmployeeRepository
	employees []persistence.Employee
	err       error
}

func (f fakeEmployeeRepository) LoadAllEmployees(context.Context) ([]persistence.Employee, error) {
	return f.employees, f.err
}

func TestStoreDirectoryLoader(t *testing.T) {
	repo := fakeEmployeeRepository{employees: []persistence.Employee{
		{ID: 7, No: "E007", FirstName: "Ada", LastName: "Lovelace", EnglishName: "Ada"},
		{ID: 8, No: "E008", FirstName: "Solo"},
	}}
	employees, err := newStoreDirectoryLoader(repo).LoadAllEmployees(context.Background())
	if err != nil {
		t.Fatalf("LoadAllEmployees failed: %v", err)
	}
	if len(employees) != 2 {
		t.Fatalf("expected 2 employees, got %d", len(employees))
	}
	if e := employees[0]; e.ID != 7 || e.No != "E007" || e.FullName != "Ada Lovelace" || e.EnglishName != "Ada" {
		t.Fatalf("unexpected conversion %+v", e)
	}
	if employees[1].FullName != "Solo" {
		t.Fatalf("expected trimmed full name, got %q", employees[1].FullName)
	}

	boom := errors.New("boom")
	if _, err := newStoreDirectoryLoader(fakeEmployeeRepository{err: boom}).LoadAllEmployees(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected repository error, got %v", err)
	}
}

func TestNewPublisherWithoutSinks(t *testing.T) {
	p, err := newPublisher(config.EventsConfig{}, testfixtures.DiscardLogger())
	if err != nil {
		t.Fatalf("newPublisher failed: %v", err)
	}
	if _, ok := p.(events.Noop); !ok {
		t.Fatalf("expected Noop publisher, got %T", p)
	}
}

func TestBuildServersRequiresClassifier(t *testing.T) {
	a := newApp()
	a.v.Set("db.dsn", filepath.Join(t.TempDir(), "faceattend.db"))
	cfg, err := config.Load(a.v, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	a.cfg = cfg
	a.logger = testfixtures.DiscardLogger()
	if _, err := a.buildServers(context.Background()); err == nil || !strings.Contains(err.Error(), "classifier.model_location") {
		t.Fatalf("expected missing classifier error, got %v", err)
	}
}

func TestBuildServers(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "faceattend.db")
	_, meetingID := seedStore(t, dbPath, "E001")

	model, err := classifier.NewSoftmax([]string{"E001", recognition.UnknownLabel}, [][]float64{{0}, {0}}, []float64{2, 0})
	if err != nil {
		t.Fatalf("NewSoftmax failed: %v", err)
	}
	modelPath := filepath.Join(dir, "classifier.msgpack")
	if err := model.Save(modelPath); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	a := newApp()
	a.v.Set("db.dsn", dbPath)
	a.v.Set("classifier.model_location", modelPath)
	a.v.Set("server.web_dir", dir)
	a.cfg, err = config.Load(a.v, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	a.logger = testfixtures.DiscardLogger()
	a.newEngine = fakeEngineFactory(oneFaceEngine())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, err := a.buildServers(ctx)
	if err != nil {
		t.Fatalf("buildServers failed: %v", err)
	}
	defer func() {
		if err := s.close(context.Background()); err != nil {
			t.Errorf("close failed: %v", err)
		}
	}()
	if s.ws.Addr != "127.0.0.1:9000" || s.web == nil || s.web.Addr != "127.0.0.1:8080" {
		t.Fatalf("unexpected listener addresses %q %v", s.ws.Addr, s.web)
	}

	web := httptest.NewServer(s.web.Handler)
	defer web.Close()
	resp, err := http.Get(web.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from healthz, got %d", resp.StatusCode)
	}

	stream := httptest.NewServer(s.ws.Handler)
	defer stream.Close()
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(stream.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer ws.Close()

	send := func(msg any) map[string]any {
		t.Helper()
		if err := ws.WriteJSON(msg); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		var reply map[string]any
		if err := json.Unmarshal(data, &reply); err != nil {
			t.Fatalf("invalid reply %q: %v", data, err)
		}
		return reply
	}

	opened := send(map[string]any{"type": "OPEN", "meeting_id": meetingID})
	sessionID, _ := opened["session_id"].(string)
	if opened["type"] != "OPENED" || sessionID == "" {
		t.Fatalf("unexpected OPEN reply %v", opened)
	}

	processed := send(map[string]any{
		"type":       "PROCESSING",
		"session_id": sessionID,
		"data_url":   testfixtures.JPEGDataURL(t, 8, 8),
	})
	data, _ := processed["data"].([]any)
	if processed["type"] != "PROCESSED" || len(data) != 1 {
		t.Fatalf("unexpected PROCESSING reply %v", processed)
	}
	face := data[0].(map[string]any)
	if face["employee_no"] != "E001" || face["is_attendant"] != true {
		t.Fatalf("expected attending E001, got %v", face)
	}

	closed := send(map[string]any{"type": "CLOSE", "session_id": sessionID})
	if closed["type"] != "CLOSED" {
		t.Fatalf("unexpected CLOSE reply %v", closed)
	}
}
