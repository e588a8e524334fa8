package backend

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/relay/internal/catalog"
)

type stubGenerator struct {
	lastReq Request
	resp    *Response
	err     error
}

func (g *stubGenerator) Generate(ctx context.Context, req Request) (*Response, error) {
	g.lastReq = req
	if g.err != nil {
		return nil, g.err
	}
	return g.resp, nil
}

func (g *stubGenerator) Probe(ctx context.Context) ([]string, error) {
	return []string{"stub"}, nil
}

func TestDispatcherRoutesByKind(t *testing.T) {
	daemon := &stubGenerator{resp: &Response{Text: "from daemon"}}
	embedded := &stubGenerator{resp: &Response{Text: "from embedded"}}

	d := NewDispatcher()
	d.Register(catalog.KindDaemonHTTP, daemon)
	d.Register(catalog.KindEmbedded, embedded)

	m := &catalog.ModelDescriptor{
		Key:         "chat-3b",
		Name:        "chat-3b",
		BackendType: catalog.KindEmbedded,
		Path:        "/models/chat-3b",
	}

	resp, err := d.Generate(context.Background(), m, Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "from embedded", resp.Text)

	// The dispatcher fills in the model identity from the descriptor.
	assert.Equal(t, "chat-3b", embedded.lastReq.Model)
	assert.Equal(t, "/models/chat-3b", embedded.lastReq.ModelPath)
	assert.Empty(t, daemon.lastReq.Model)
}

func TestDispatcherUnregisteredKind(t *testing.T) {
	d := NewDispatcher()
	m := &catalog.ModelDescriptor{Key: "m", Name: "m", BackendType: catalog.KindDaemonHTTP}

	_, err := d.Generate(context.Background(), m, Request{Prompt: "hi"})
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindConnectionRefused, kind)
}

func TestDispatcherProbers(t *testing.T) {
	d := NewDispatcher()
	d.Register(catalog.KindDaemonHTTP, &stubGenerator{})

	probers := d.Probers()
	require.Len(t, probers, 1)

	names, err := probers[catalog.KindDaemonHTTP].Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"stub"}, names)
}

func TestErrorWrapping(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("call failed: %w", &Error{Kind: KindTimeout, Backend: "daemon-http", Err: cause})

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindTimeout, kind)
	assert.True(t, IsTimeout(err))
	assert.True(t, errors.Is(err, cause))

	_, ok = KindOf(errors.New("plain"))
	assert.False(t, ok)
}
