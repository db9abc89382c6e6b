// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/klauspost/compress/zstd"
	"github.com/muesli/termenv"

	"github.com/remodance/remodance/cmd/remodance/cli"
	"github.com/remodance/remodance/lib/agentapi"
	"github.com/remodance/remodance/lib/attendance"
	"github.com/remodance/remodance/lib/codec"
	"github.com/remodance/remodance/lib/config"
	"github.com/remodance/remodance/lib/control"
	"github.com/remodance/remodance/lib/delivery"
	"github.com/remodance/remodance/lib/eventqueue"
	"github.com/remodance/remodance/lib/fault"
	"github.com/remodance/remodance/lib/notify"
	"github.com/remodance/remodance/lib/testutil"
	"github.com/remodance/remodance/lib/tui"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// fakeAgent serves the agent's control actions from canned data and
// records what it was asked to do.
type fakeAgent struct {
	socketPath string

	mu            sync.Mutex
	status        agentapi.StatusResponse
	settings      agentapi.SettingsView
	saved         []agentapi.SaveSettingsRequest
	entries       []eventqueue.Entry
	notifications []notify.Notification
}

func startFakeAgent(t *testing.T) *fakeAgent {
	t.Helper()
	fake := &fakeAgent{
		socketPath: filepath.Join(testutil.SocketDir(t), "control.sock"),
		status: agentapi.StatusResponse{
			Version:    "test",
			Attendance: attendance.Status{State: attendance.CheckedOut},
			Monitoring: agentapi.Monitoring{Activity: "idle", IdleTimeoutMins: 10, AutoMode: true},
			Delivery:   delivery.State{Online: true},
			Endpoint:   "https://collector.example/attendance",
		},
		settings: agentapi.SettingsView{
			Settings: config.Settings{
				APIEndpoint:     "https://collector.example/attendance",
				Username:        "ada",
				DeviceID:        "lab-7",
				IdleTimeoutMins: 10,
				AutoMode:        true,
			},
			TokenSet: true,
			Path:     "/home/ada/.config/remodance/config.yaml",
		},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	server := control.NewServer(fake.socketPath, logger)
	server.Handle(agentapi.ActionStatus, func(ctx context.Context, raw []byte) (any, error) {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		return fake.status, nil
	})
	server.Handle(agentapi.ActionToggle, func(ctx context.Context, raw []byte) (any, error) {
		return fake.change(fake.currentState().Opposite()), nil
	})
	server.Handle(agentapi.ActionCheckIn, func(ctx context.Context, raw []byte) (any, error) {
		return fake.change(attendance.CheckedIn), nil
	})
	server.Handle(agentapi.ActionCheckOut, func(ctx context.Context, raw []byte) (any, error) {
		return fake.change(attendance.CheckedOut), nil
	})
	server.Handle(agentapi.ActionSettings, func(ctx context.Context, raw []byte) (any, error) {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		return fake.settings, nil
	})
	server.Handle(agentapi.ActionSaveSettings, func(ctx context.Context, raw []byte) (any, error) {
		var request agentapi.SaveSettingsRequest
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, err
		}
		if err := config.ValidateEndpoint(request.Settings.APIEndpoint); err != nil {
			return nil, fault.Configuration("saving settings", err).WithHint("api_endpoint must be an absolute http or https URL")
		}
		fake.mu.Lock()
		defer fake.mu.Unlock()
		fake.saved = append(fake.saved, request)
		view := fake.settings
		view.Settings = request.Settings
		view.Settings.APIToken = ""
		view.TokenSet = !request.ClearToken
		fake.settings = view
		return view, nil
	})
	server.Handle(agentapi.ActionResume, func(ctx context.Context, raw []byte) (any, error) {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		resumed := fake.status.Delivery.Paused
		fake.status.Delivery.Paused = false
		return agentapi.ResumeResponse{Resumed: resumed}, nil
	})
	server.Handle(agentapi.ActionQueue, func(ctx context.Context, raw []byte) (any, error) {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		return agentapi.QueueResponse{Stats: fake.status.Queue, Entries: fake.entries}, nil
	})
	server.HandleStream(agentapi.ActionWatch, func(ctx context.Context, raw []byte, stream *control.ServerStream) error {
		fake.mu.Lock()
		notifications := append([]notify.Notification(nil), fake.notifications...)
		fake.mu.Unlock()
		for _, notification := range notifications {
			if err := stream.Send(notification); err != nil {
				return err
			}
		}
		<-ctx.Done()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := server.Serve(ctx); err != nil {
			t.Errorf("Serve: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, done, 5*time.Second, "fake agent did not stop")
	})
	waitForSocket(t, fake.socketPath)
	return fake
}

// set runs fn under the fake's lock, for changing canned data while
// the server runs.
func (fake *fakeAgent) set(fn func()) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	fn()
}

func (fake *fakeAgent) savedRequests() []agentapi.SaveSettingsRequest {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	return append([]agentapi.SaveSettingsRequest(nil), fake.saved...)
}

func (fake *fakeAgent) currentState() attendance.State {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	return fake.status.Attendance.State
}

func (fake *fakeAgent) change(target attendance.State) agentapi.ChangeResponse {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.status.Attendance.State == target {
		return agentapi.ChangeResponse{Status: fake.status.Attendance}
	}
	fake.status.Attendance = attendance.Status{
		State:            target,
		ManualOverride:   true,
		LastChangeSource: attendance.SourceManual,
		ChangedAt:        epoch,
	}
	fake.status.Queue.Pending++
	event := &attendance.Event{
		ID:   int64(fake.status.Queue.Pending),
		Type: attendance.EventTypeFor(target),
		Time: "09:00:00",
		Date: "2026-03-02",
	}
	return agentapi.ChangeResponse{Status: fake.status.Attendance, Event: event}
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	for {
		if _, err := os.Stat(path); err == nil {
			return
		}
		if t.Context().Err() != nil {
			t.Fatalf("socket %s did not appear before test context expired", path)
		}
		runtime.Gosched()
	}
}

type result struct {
	stdout string
	stderr string
	err    error
}

// execute runs the remodance command tree with args against the fake
// agent's socket, with plain-text styles.
func execute(t *testing.T, stdin string, args ...string) result {
	t.Helper()
	var stdout, stderr bytes.Buffer
	env := &environment{
		ctx:    t.Context(),
		stdin:  strings.NewReader(stdin),
		stdout: &stdout,
		stderr: &stderr,
		styles: tui.NewStyles(lipgloss.NewRenderer(io.Discard, termenv.WithProfile(termenv.Ascii)), tui.DefaultTheme),
	}
	err := rootCommand(env).Execute(args)
	return result{stdout: stdout.String(), stderr: stderr.String(), err: err}
}

func TestStatusText(t *testing.T) {
	fake := startFakeAgent(t)

	got := execute(t, "", "status", "--socket", fake.socketPath)
	if got.err != nil {
		t.Fatalf("status: %v", got.err)
	}
	for _, want := range []string{"● CHECKED OUT", "● online", "0 pending"} {
		if !strings.Contains(got.stdout, want) {
			t.Errorf("status output missing %q:\n%s", want, got.stdout)
		}
	}
}

func TestStatusJSON(t *testing.T) {
	fake := startFakeAgent(t)

	got := execute(t, "", "status", "--json", "--socket", fake.socketPath)
	if got.err != nil {
		t.Fatalf("status --json: %v", got.err)
	}
	var decoded agentapi.StatusResponse
	if err := json.Unmarshal([]byte(got.stdout), &decoded); err != nil {
		t.Fatalf("decoding %q: %v", got.stdout, err)
	}
	if decoded.Attendance.State != attendance.CheckedOut || decoded.Endpoint != "https://collector.example/attendance" {
		t.Errorf("decoded status = %+v", decoded)
	}
}

func TestStatusExitsThreeWhenPaused(t *testing.T) {
	fake := startFakeAgent(t)
	fake.set(func() {
		fake.status.Delivery = delivery.State{
			Paused:      true,
			PauseReason: "collector returned 401",
			PauseHint:   "update api_token in the settings, then resume delivery",
		}
	})

	got := execute(t, "", "status", "--socket", fake.socketPath)
	var exit *cli.ExitError
	if !errors.As(got.err, &exit) || exit.Code != 3 {
		t.Fatalf("status error = %v, want exit code 3", got.err)
	}
	if !strings.Contains(got.stdout, "delivery paused: collector returned 401") {
		t.Errorf("status output missing pause:\n%s", got.stdout)
	}

	got = execute(t, "", "resume", "--socket", fake.socketPath)
	if got.err != nil || strings.TrimSpace(got.stdout) != "delivery resumed" {
		t.Fatalf("resume = %q, %v", got.stdout, got.err)
	}
	got = execute(t, "", "resume", "--socket", fake.socketPath)
	if strings.TrimSpace(got.stdout) != "delivery was not paused" {
		t.Errorf("second resume = %q", got.stdout)
	}
}

func TestChangeCommands(t *testing.T) {
	fake := startFakeAgent(t)

	got := execute(t, "", "toggle", "--socket", fake.socketPath)
	if got.err != nil {
		t.Fatalf("toggle: %v", got.err)
	}
	if !strings.Contains(got.stdout, "● CHECKED IN") || !strings.Contains(got.stdout, "event 1 queued at 09:00:00") {
		t.Errorf("toggle output = %q", got.stdout)
	}

	got = execute(t, "", "check-in", "--socket", fake.socketPath)
	if got.err != nil {
		t.Fatalf("check-in: %v", got.err)
	}
	if !strings.Contains(got.stdout, "(unchanged)") {
		t.Errorf("repeated check-in output = %q", got.stdout)
	}

	got = execute(t, "", "check-out", "--json", "--socket", fake.socketPath)
	var response agentapi.ChangeResponse
	if err := json.Unmarshal([]byte(got.stdout), &response); err != nil {
		t.Fatalf("decoding %q: %v", got.stdout, err)
	}
	if response.Event == nil || response.Event.Type != attendance.CheckOut {
		t.Errorf("check-out response = %+v", response)
	}
}

func TestSettingsShowHidesToken(t *testing.T) {
	fake := startFakeAgent(t)

	got := execute(t, "", "settings", "--socket", fake.socketPath)
	if got.err != nil {
		t.Fatalf("settings: %v", got.err)
	}
	for _, want := range []string{"https://collector.example/attendance", "token", "set", "10m", "lab-7"} {
		if !strings.Contains(got.stdout, want) {
			t.Errorf("settings output missing %q:\n%s", want, got.stdout)
		}
	}
}

func TestSettingsSetChangesOnlyGivenFlags(t *testing.T) {
	fake := startFakeAgent(t)

	got := execute(t, "", "settings", "set", "--socket", fake.socketPath,
		"--idle-timeout", "20", "--auto-mode=false")
	if got.err != nil {
		t.Fatalf("settings set: %v", got.err)
	}
	requests := fake.savedRequests()
	if len(requests) != 1 {
		t.Fatalf("saved %d times, want 1", len(requests))
	}
	saved := requests[0]
	if saved.Settings.IdleTimeoutMins != 20 || saved.Settings.AutoMode {
		t.Errorf("saved settings = %+v", saved.Settings)
	}
	if saved.Settings.Username != "ada" || saved.Settings.APIEndpoint != "https://collector.example/attendance" {
		t.Errorf("unchanged settings were modified: %+v", saved.Settings)
	}
	if saved.Settings.APIToken != "" || saved.ClearToken {
		t.Errorf("token touched without a token flag: %+v", saved)
	}
	if !strings.Contains(got.stdout, "saved to /home/ada/.config/remodance/config.yaml") {
		t.Errorf("output = %q", got.stdout)
	}
}

func TestSettingsSetTokenFromStdin(t *testing.T) {
	fake := startFakeAgent(t)

	got := execute(t, "s3cret-token\n", "settings", "set", "--socket", fake.socketPath, "--token-stdin")
	if got.err != nil {
		t.Fatalf("settings set --token-stdin: %v", got.err)
	}
	requests := fake.savedRequests()
	if len(requests) != 1 || requests[0].Settings.APIToken != "s3cret-token" {
		t.Fatalf("saved = %+v", requests)
	}
	if strings.Contains(got.stdout, "s3cret-token") {
		t.Errorf("token echoed in output:\n%s", got.stdout)
	}
}

func TestSettingsSetRejections(t *testing.T) {
	fake := startFakeAgent(t)

	tests := []struct {
		name  string
		stdin string
		args  []string
		want  string
	}{
		{"no settings", "", []string{}, "no settings given"},
		{"clear and set", "", []string{"--clear-token", "--token", "x"}, "--clear-token cannot be combined"},
		{"empty stdin", "", []string{"--token-stdin"}, "no token on stdin"},
		{"both token flags", "x\n", []string{"--token", "x", "--token-stdin"}, "mutually exclusive"},
		{"invalid endpoint", "", []string{"--endpoint", "not a url"}, "api_endpoint"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			args := append([]string{"settings", "set", "--socket", fake.socketPath}, test.args...)
			got := execute(t, test.stdin, args...)
			if got.err == nil {
				t.Fatal("expected an error")
			}
			message := got.err.Error() + " " + control.HintOf(got.err)
			if !strings.Contains(message, test.want) {
				t.Errorf("error = %q, want it to mention %q", message, test.want)
			}
		})
	}
	if requests := fake.savedRequests(); len(requests) != 0 {
		t.Errorf("rejected settings were saved: %+v", requests)
	}
}

func queueEntries() []eventqueue.Entry {
	return []eventqueue.Entry{
		{
			Event: attendance.Event{
				ID: 4, Key: "01JNK4", Type: attendance.CheckIn, Source: attendance.SourceAuto,
				UserID: "ada", DeviceID: "lab-7", Time: "09:00:00", Date: "2026-03-02",
				Timestamp: "2026-03-02T09:00:00Z",
			},
			Status:        eventqueue.Pending,
			AttemptCount:  2,
			NextAttemptAt: epoch.Add(4 * time.Second),
			LastError:     "collector unreachable: connection refused",
		},
		{
			Event: attendance.Event{
				ID: 5, Key: "01JNK5", Type: attendance.CheckOut, Source: attendance.SourceManual,
				UserID: "ada", DeviceID: "lab-7", Time: "12:30:00", Date: "2026-03-02",
				Timestamp: "2026-03-02T12:30:00Z",
			},
			Status: eventqueue.Pending,
		},
	}
}

func TestQueueTableAndPayload(t *testing.T) {
	fake := startFakeAgent(t)
	fake.set(func() {
		fake.entries = queueEntries()
		fake.status.Queue = eventqueue.Stats{Pending: 2}
	})

	got := execute(t, "", "queue", "--payload", "--socket", fake.socketPath)
	if got.err != nil {
		t.Fatalf("queue: %v", got.err)
	}
	for _, want := range []string{
		"2 pending, 0 in flight, 0 failed",
		"ID", "LAST ERROR",
		"check-in", "2026-03-02 09:00:00", "collector unreachable",
		"event 5 (key 01JNK5):",
		`"event_type": "check-out"`,
		`"device_id": "lab-7"`,
	} {
		if !strings.Contains(got.stdout, want) {
			t.Errorf("queue output missing %q:\n%s", want, got.stdout)
		}
	}
}

func TestQueueExport(t *testing.T) {
	fake := startFakeAgent(t)
	fake.set(func() { fake.entries = queueEntries() })
	path := filepath.Join(t.TempDir(), "queue.jsonl.zst")

	got := execute(t, "", "queue", "--json", "--export", path, "--socket", fake.socketPath)
	if got.err != nil {
		t.Fatalf("queue --export: %v", got.err)
	}
	if !strings.Contains(got.stderr, "exported 2 entries") {
		t.Errorf("stderr = %q", got.stderr)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	records, err := readExport(file)
	if err != nil {
		t.Fatalf("reading export: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("export has %d records, want 2", len(records))
	}
	if records[0].Entry.ID() != 4 || records[0].Payload.Payload.DeviceID != "lab-7" {
		t.Errorf("first record = %+v", records[0])
	}
	if records[1].Payload.EventType != attendance.CheckOut {
		t.Errorf("second record payload = %+v", records[1].Payload)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		t.Errorf("export mode = %o, want 600", mode)
	}
}

func TestWatchPrintsNotifications(t *testing.T) {
	fake := startFakeAgent(t)
	online := false
	fake.set(func() {
		fake.notifications = []notify.Notification{
			{Kind: notify.ActivityUpdate, Sequence: 1, At: epoch},
			{Kind: notify.AttendanceChanged, Sequence: 2, At: epoch, State: "checked-in", Source: "auto"},
			{Kind: notify.ConnectivityChanged, Sequence: 3, At: epoch, Online: &online},
		}
	})

	got := execute(t, "", "watch", "--count", "2", "--socket", fake.socketPath)
	if got.err != nil {
		t.Fatalf("watch: %v", got.err)
	}
	lines := strings.Split(strings.TrimSpace(got.stdout), "\n")
	if len(lines) != 2 {
		t.Fatalf("watch printed %d lines, want 2:\n%s", len(lines), got.stdout)
	}
	if !strings.Contains(lines[0], "checked-in (auto)") || !strings.Contains(lines[1], "working offline") {
		t.Errorf("watch output:\n%s", got.stdout)
	}

	got = execute(t, "", "watch", "--json", "--activity", "--count", "1", "--socket", fake.socketPath)
	var notification notify.Notification
	if err := json.Unmarshal([]byte(got.stdout), &notification); err != nil {
		t.Fatalf("decoding %q: %v", got.stdout, err)
	}
	if notification.Kind != notify.ActivityUpdate {
		t.Errorf("first JSON notification = %+v", notification)
	}
}

func TestDashboardNeedsTerminal(t *testing.T) {
	fake := startFakeAgent(t)
	got := execute(t, "", "dashboard", "--socket", fake.socketPath)
	if got.err == nil || !strings.Contains(got.err.Error(), "needs a terminal") {
		t.Errorf("dashboard error = %v", got.err)
	}
}

func TestNoAgentExplainsHowToStart(t *testing.T) {
	socket := filepath.Join(testutil.SocketDir(t), "missing.sock")
	got := execute(t, "", "status", "--socket", socket)
	if got.err == nil {
		t.Fatal("status succeeded with no agent")
	}
	if hint := control.HintOf(got.err); !strings.Contains(hint, "remodance-agent") {
		t.Errorf("hint = %q, want it to mention remodance-agent", hint)
	}
}

func TestConnectionResolution(t *testing.T) {
	t.Setenv(socketEnvironmentVariable, "")
	directory := t.TempDir()
	configPath := filepath.Join(directory, "config.yaml")
	if err := os.WriteFile(configPath, []byte("agent:\n  control_socket: /run/user/1000/remodance.sock\n"), 0600); err != nil {
		t.Fatal(err)
	}

	conn := connection{configPath: configPath}
	if path, err := conn.resolve(); err != nil || path != "/run/user/1000/remodance.sock" {
		t.Errorf("from config: %q, %v", path, err)
	}

	t.Setenv(config.EnvironmentVariable, configPath)
	conn = connection{}
	if path, err := conn.resolve(); err != nil || path != "/run/user/1000/remodance.sock" {
		t.Errorf("from %s: %q, %v", config.EnvironmentVariable, path, err)
	}

	t.Setenv(socketEnvironmentVariable, "/tmp/env.sock")
	if path, _ := conn.resolve(); path != "/tmp/env.sock" {
		t.Errorf("from %s: %q", socketEnvironmentVariable, path)
	}

	conn.socketPath = "/tmp/flag.sock"
	if path, _ := conn.resolve(); path != "/tmp/flag.sock" {
		t.Errorf("from --socket: %q", path)
	}
}

func TestUnknownCommandSuggests(t *testing.T) {
	got := execute(t, "", "stauts")
	if got.err == nil || !strings.Contains(got.err.Error(), `did you mean "status"?`) {
		t.Errorf("error = %v", got.err)
	}
}

func TestVersion(t *testing.T) {
	got := execute(t, "", "--version")
	if got.err != nil || !strings.HasPrefix(got.stdout, "remodance ") {
		t.Errorf("--version = %q, %v", got.stdout, got.err)
	}
}

// readExport decodes a file written by exportQueue.
func readExport(r io.Reader) ([]exportRecord, error) {
	decoder, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()

	var records []exportRecord
	lines := json.NewDecoder(decoder)
	for {
		var record exportRecord
		if err := lines.Decode(&record); err == io.EOF {
			return records, nil
		} else if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
}
