package session

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/blockshare/backend/internal/v1/bus"
	"github.com/blockshare/backend/internal/v1/presence"
)

// writtenFrame is one captured WriteMessage call.
type writtenFrame struct {
	messageType int
	data        []byte
}

// MockConnection implements wsConnection for testing. The Func fields are
// optional; unset ones fall back to simple defaults.
type MockConnection struct {
	ReadMessageFunc  func() (int, []byte, error)
	WriteMessageFunc func(messageType int, data []byte) error
	CloseFunc        func() error

	mu     sync.Mutex
	writes []writtenFrame
	closed bool
}

func (m *MockConnection) ReadMessage() (int, []byte, error) {
	if m.ReadMessageFunc != nil {
		return m.ReadMessageFunc()
	}
	return 0, nil, io.EOF
}

func (m *MockConnection) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	buf := make([]byte, len(data))
	copy(buf, data)
	m.writes = append(m.writes, writtenFrame{messageType: messageType, data: buf})
	m.mu.Unlock()

	if m.WriteMessageFunc != nil {
		return m.WriteMessageFunc(messageType, data)
	}
	return nil
}

func (m *MockConnection) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

func (m *MockConnection) SetWriteDeadline(t time.Time) error { return nil }

func (m *MockConnection) Writes() []writtenFrame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]writtenFrame, len(m.writes))
	copy(out, m.writes)
	return out
}

func (m *MockConnection) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// newBlockingConn returns a connection whose ReadMessage blocks until the
// returned release function is called, then reports EOF.
func newBlockingConn() (*MockConnection, func()) {
	done := make(chan struct{})
	conn := &MockConnection{
		ReadMessageFunc: func() (int, []byte, error) {
			<-done
			return 0, nil, io.EOF
		},
	}
	var once sync.Once
	return conn, func() { once.Do(func() { close(done) }) }
}

// callRecorder captures the cross-service call order so tests can assert
// sequencing, like release-before-fanout.
type callRecorder struct {
	mu      sync.Mutex
	entries []string
}

func (r *callRecorder) record(entry string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.entries = append(r.entries, entry)
	r.mu.Unlock()
}

func (r *callRecorder) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.entries))
	copy(out, r.entries)
	return out
}

// mockLocks implements LockService with canned responses.
type mockLocks struct {
	rec *callRecorder

	acquireGranted bool
	acquireOwner   string
	acquireErr     error
	releaseOK      bool
	owner          string
	ownerHeld      bool
	ttl            time.Duration
	allLocks       map[string]string
	releaseAllRes  []string

	mu              sync.Mutex
	acquireCalls    []string
	releaseCalls    []string
	releaseAllCalls int
}

func (m *mockLocks) Acquire(ctx context.Context, roomID, blockID, clientID string, ttl time.Duration) (bool, string, error) {
	m.mu.Lock()
	m.acquireCalls = append(m.acquireCalls, blockID)
	m.mu.Unlock()
	m.rec.record("acquire:" + blockID)
	return m.acquireGranted, m.acquireOwner, m.acquireErr
}

func (m *mockLocks) Release(ctx context.Context, roomID, blockID, clientID string) (bool, error) {
	m.mu.Lock()
	m.releaseCalls = append(m.releaseCalls, blockID)
	m.mu.Unlock()
	m.rec.record("release:" + blockID)
	return m.releaseOK, nil
}

func (m *mockLocks) ReleaseAll(ctx context.Context, roomID, clientID string) ([]string, error) {
	m.mu.Lock()
	m.releaseAllCalls++
	m.mu.Unlock()
	m.rec.record("releaseAll")
	return m.releaseAllRes, nil
}

func (m *mockLocks) Owner(ctx context.Context, roomID, blockID string) (string, bool, error) {
	return m.owner, m.ownerHeld, nil
}

func (m *mockLocks) TTL(ctx context.Context, roomID, blockID string) time.Duration {
	return m.ttl
}

func (m *mockLocks) AllLocks(ctx context.Context, roomID string) map[string]string {
	return m.allLocks
}

// mockPresence implements PresenceService with canned responses.
type mockPresence struct {
	count    int
	countErr error
	list     map[string]presence.Entry

	mu          sync.Mutex
	addCalls    []string
	touchCalls  []string
	removeCalls []string
}

func (m *mockPresence) Add(ctx context.Context, roomID, clientID, nickname, color string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addCalls = append(m.addCalls, clientID)
	return nil
}

func (m *mockPresence) Touch(ctx context.Context, roomID, clientID, nickname, color string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchCalls = append(m.touchCalls, clientID)
	return nil
}

func (m *mockPresence) Remove(ctx context.Context, roomID, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeCalls = append(m.removeCalls, clientID)
	return nil
}

func (m *mockPresence) Count(ctx context.Context, roomID string) (int, error) {
	return m.count, m.countErr
}

func (m *mockPresence) List(ctx context.Context, roomID string) (map[string]presence.Entry, error) {
	return m.list, nil
}

func (m *mockPresence) removed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.removeCalls))
	copy(out, m.removeCalls)
	return out
}

// mockRooms implements RoomService with canned responses.
type mockRooms struct {
	exists        bool
	maxUsers      int
	lookupErr     error
	snapshot      string
	snapshotFound bool

	mu            sync.Mutex
	snapshotsSet  []string
}

func (m *mockRooms) Lookup(ctx context.Context, roomID string) (bool, int, error) {
	return m.exists, m.maxUsers, m.lookupErr
}

func (m *mockRooms) Snapshot(ctx context.Context, roomID string) (string, bool, error) {
	return m.snapshot, m.snapshotFound, nil
}

func (m *mockRooms) SetSnapshot(ctx context.Context, roomID, workspaceXML string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshotsSet = append(m.snapshotsSet, workspaceXML)
	return nil
}

// busCall is one captured Publish.
type busCall struct {
	roomID    string
	eventType string
	payload   any
	senderID  string
}

// mockBus implements BusService, recording publishes in order.
type mockBus struct {
	rec *callRecorder

	mu         sync.Mutex
	publishes  []busCall
	subscribes int
}

func (m *mockBus) Publish(ctx context.Context, roomID, eventType string, payload any, senderID string) error {
	m.mu.Lock()
	m.publishes = append(m.publishes, busCall{roomID: roomID, eventType: eventType, payload: payload, senderID: senderID})
	m.mu.Unlock()
	m.rec.record("publish:" + eventType)
	return nil
}

func (m *mockBus) Subscribe(ctx context.Context, roomID string, wg *sync.WaitGroup, handler func(bus.Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribes++
}

func (m *mockBus) published() []busCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]busCall, len(m.publishes))
	copy(out, m.publishes)
	return out
}

func (m *mockBus) publishedTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	types := make([]string, 0, len(m.publishes))
	for _, p := range m.publishes {
		types = append(types, p.eventType)
	}
	return types
}
