package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/chatbridge/driver/internal/browser"
	"github.com/hazyhaar/chatbridge/driver/internal/dom"
	"github.com/hazyhaar/chatbridge/media"
)

// journal is the ordered record of browser-side operations shared by the
// fake session and adapter.
type journal struct {
	mu  sync.Mutex
	ops []string
}

func (j *journal) add(op string) {
	j.mu.Lock()
	j.ops = append(j.ops, op)
	j.mu.Unlock()
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.ops...)
}

func (j *journal) index(op string, from int) int {
	ops := j.list()
	for i := from; i < len(ops); i++ {
		if ops[i] == op {
			return i
		}
	}
	return -1
}

// fakeReply scripts what the page shows after one submit.
type fakeReply struct {
	HTML       string
	Length     int // visible text length sampled by the detector
	EmptyReads int // LatestResponse reads that return nothing first
	Silent     bool
}

type fakeAdapter struct {
	j *journal

	mu           sync.Mutex
	inputMissing int
	sendMissing  bool
	blocksFail   bool
	replies      []fakeReply
	next         int
	count        int
	latest       fakeReply
	markup       []string
}

func (a *fakeAdapter) LocateInput(ctx context.Context) (dom.Element, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inputMissing > 0 {
		a.inputMissing--
		a.j.add("locate-input:miss")
		return nil, fmt.Errorf("fake: input: %w", dom.ErrNotFound)
	}
	return &fakeElement{a: a, name: "input"}, nil
}

func (a *fakeAdapter) LocateSend(ctx context.Context) (dom.Element, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendMissing {
		return nil, fmt.Errorf("fake: send: %w", dom.ErrNotFound)
	}
	return &fakeElement{a: a, name: "send"}, nil
}

func (a *fakeAdapter) StopVisible(ctx context.Context) (bool, error) { return false, nil }

func (a *fakeAdapter) CountResponses(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count, nil
}

func (a *fakeAdapter) LatestTextLength(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.latest.Length, nil
}

func (a *fakeAdapter) LatestResponse(ctx context.Context) (dom.Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.latest.EmptyReads > 0 {
		a.latest.EmptyReads--
		return dom.Snapshot{}, nil
	}
	if a.latest.HTML == "" {
		return dom.Snapshot{}, nil
	}
	return dom.Snapshot{Strategy: "fake", HTML: a.latest.HTML}, nil
}

// submit is called with a.mu held.
func (a *fakeAdapter) submit() {
	a.j.add("submit")
	if a.next >= len(a.replies) {
		return
	}
	r := a.replies[a.next]
	a.next++
	if r.Silent {
		return
	}
	a.count++
	a.latest = r
}

type fakeElement struct {
	a    *fakeAdapter
	name string
}

func (e *fakeElement) Strategy() string { return "fake-" + e.name }

func (e *fakeElement) Click(ctx context.Context) error {
	e.a.mu.Lock()
	defer e.a.mu.Unlock()
	e.a.j.add("click:" + e.name)
	if e.name == "send" {
		e.a.submit()
	}
	return nil
}

func (e *fakeElement) Clear(ctx context.Context) error {
	e.a.j.add("clear:" + e.name)
	return nil
}

func (e *fakeElement) SetBlocks(ctx context.Context, markup string) error {
	e.a.mu.Lock()
	defer e.a.mu.Unlock()
	if e.a.blocksFail {
		return errors.New("fake: blocks rejected")
	}
	e.a.j.add("blocks:" + e.name)
	e.a.markup = append(e.a.markup, markup)
	return nil
}

func (e *fakeElement) TypeText(ctx context.Context, text string) error {
	e.a.mu.Lock()
	defer e.a.mu.Unlock()
	e.a.j.add("type:" + e.name)
	e.a.markup = append(e.a.markup, text)
	return nil
}

func (e *fakeElement) PressEnter(ctx context.Context) error {
	e.a.mu.Lock()
	defer e.a.mu.Unlock()
	e.a.j.add("enter:" + e.name)
	e.a.submit()
	return nil
}

type fakeSession struct {
	j       *journal
	adapter *fakeAdapter

	mu        sync.Mutex
	ensureErr error
	rebuilt   bool
	homeErr   error
	blobs     map[string]browser.Blob
	homes     int
	reloads   int
}

func newFakeSession(replies ...fakeReply) *fakeSession {
	j := &journal{}
	return &fakeSession{j: j, adapter: &fakeAdapter{j: j, replies: replies}}
}

func (s *fakeSession) Ensure(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rebuilt, s.ensureErr
}

func (s *fakeSession) Adapter() dom.Adapter { return s.adapter }

func (s *fakeSession) OpenHome(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.homes++
	s.j.add("open-home")
	return s.homeErr
}

func (s *fakeSession) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloads++
	s.j.add("reload")
	return nil
}

func (s *fakeSession) FetchBlob(ctx context.Context, src string) (browser.Blob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[src]
	if !ok {
		return browser.Blob{}, errors.New("fake: blob revoked")
	}
	return b, nil
}

func (s *fakeSession) State() browser.State { return browser.Ready }

type fakeClock struct {
	mu    sync.Mutex
	total time.Duration
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.total += d
	c.mu.Unlock()
	return nil
}

type fakeMedia struct {
	mu     sync.Mutex
	stored []media.Asset
	err    error
}

func (m *fakeMedia) Persist(ctx context.Context, mimeHint string, data []byte) (media.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return media.Asset{}, m.err
	}
	n := len(m.stored) + 1
	a := media.Asset{
		Name: fmt.Sprintf("gemini_%d.%s", n, media.ExtensionFor(mimeHint)),
		MIME: mimeHint,
		Size: int64(len(data)),
	}
	a.URL = "http://127.0.0.1:8766/media/" + a.Name
	m.stored = append(m.stored, a)
	return a, nil
}

// startDriver runs a Driver over sess until the test ends.
func startDriver(t *testing.T, sess Session, cfg Config) (*Driver, *fakeClock) {
	t.Helper()
	clock := &fakeClock{}
	if cfg.Clock == nil {
		cfg.Clock = clock
	}
	d := New(sess, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return d, clock
}

func reply(html string) fakeReply {
	return fakeReply{HTML: html, Length: len(html)}
}

func replies(n int, html string) []fakeReply {
	out := make([]fakeReply, n)
	for i := range out {
		out[i] = reply(html)
	}
	return out
}
