package session

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meshlink/meshlink/identity"
	"github.com/meshlink/meshlink/internal/instrument"
	"github.com/meshlink/meshlink/link"
	"github.com/meshlink/meshlink/routing"
	"github.com/meshlink/meshlink/transport"
)

// echoExecutor implements Executor for tests: it echoes args[0] on
// stdout, or sleeps past its deadline for a "sleep" command, standing in
// for a real process without ever spawning one.
type echoExecutor struct{}

func (echoExecutor) Execute(ctx context.Context, req CommandRequest) (CommandResult, error) {
	switch req.Command {
	case "echo":
		out := ""
		if len(req.Args) > 0 {
			out = req.Args[0] + "\n"
		}
		return CommandResult{Stdout: []byte(out), ExitCode: 0, Status: StatusSuccess}, nil
	case "sleep":
		select {
		case <-ctx.Done():
			return CommandResult{ExitCode: -1, Status: StatusTimeout}, nil
		case <-time.After(5 * time.Second):
			return CommandResult{ExitCode: 0, Status: StatusSuccess}, nil
		}
	case "bigoutput":
		n := 200 * 1024
		buf := bytes.Repeat([]byte{0x37}, n)
		return CommandResult{Stdout: buf, ExitCode: 0, Status: StatusSuccess}, nil
	default:
		return CommandResult{ExitCode: 127, Status: StatusError, Stderr: []byte("unknown command")}, nil
	}
}

type harness struct {
	clientID, serverID *identity.Identity
	serverLink         *link.Link
	clientLink         *link.Link
}

// dialSession wires two routing cores over an in-memory transport.Pair,
// establishes a link between fresh client/server identities, and returns
// both ends once ACTIVE — the plumbing scenario 1 in §8 runs on top of.
func dialSession(t *testing.T) *harness {
	t.Helper()

	a, b := transport.Pair("client-iface", "server-iface")
	clientCore := routing.NewCore(nil, instrument.New("session_test_client"))
	serverCore := routing.NewCore(nil, instrument.New("session_test_server"))
	clientCore.RegisterInterface(a)
	serverCore.RegisterInterface(b)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go clientCore.Run(ctx)
	go serverCore.Run(ctx)

	serverID, err := identity.Generate(rand.Reader)
	require.NoError(t, err)
	clientID, err := identity.Generate(rand.Reader)
	require.NoError(t, err)

	destAddr := serverID.Address()
	acceptedCh := make(chan *link.Link, 1)
	link.Listen(serverCore, nil, nil, serverID, destAddr, func(l *link.Link) {
		acceptedCh <- l
	})

	// Nothing in this harness announces the server, so seed the client's
	// path table directly, the way a prior announce would have.
	clientCore.RegisterPath(destAddr, "client-iface", time.Minute)

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()
	clientLink, err := link.Dial(dialCtx, clientCore, nil, nil, serverID, destAddr, nil)
	require.NoError(t, err)

	var serverLink *link.Link
	select {
	case serverLink = <-acceptedCh:
	case <-time.After(5 * time.Second):
		t.Fatal("server never accepted link")
	}

	return &harness{clientID: clientID, serverID: serverID, serverLink: serverLink, clientLink: clientLink}
}

// TestBootstrapAndSingleCommand is scenario 1 of §8.
func TestBootstrapAndSingleCommand(t *testing.T) {
	h := dialSession(t)

	policy := DefaultPolicy()
	registry := NewRegistry()
	NewServer(h.serverLink, policy, echoExecutor{}, registry, nil)

	client := NewClient(h.clientLink, h.clientID, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sessionID, err := client.Connect(ctx)
	require.NoError(t, err)
	require.NotEqual(t, [identity.AddressSize]byte{}, sessionID)

	result, err := client.Execute(ctx, CommandRequest{Command: "echo", Args: []string{"hello"}})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, result.Status)
	require.Equal(t, []byte("hello\n"), result.Stdout)
	require.Equal(t, int32(0), result.ExitCode)
}

// TestAllowListReject is scenario 2 of §8.
func TestAllowListReject(t *testing.T) {
	h := dialSession(t)

	other, err := identity.Generate(rand.Reader)
	require.NoError(t, err)

	policy := DefaultPolicy()
	policy.AllowedClients = [][identity.AddressSize]byte{other.Address()}
	registry := NewRegistry()
	NewServer(h.serverLink, policy, echoExecutor{}, registry, nil)

	client := NewClient(h.clientLink, h.clientID, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = client.Connect(ctx)
	require.Error(t, err)
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, RejectClientNotAllowed, rejected.Code)
}

// TestVersionMismatchReject is scenario 3 of §8.
func TestVersionMismatchReject(t *testing.T) {
	h := dialSession(t)

	registry := NewRegistry()
	NewServer(h.serverLink, DefaultPolicy(), echoExecutor{}, registry, nil)

	client := NewClient(h.clientLink, h.clientID, nil)
	linkID := h.clientLink.ID()
	sig, err := h.clientID.Sign(linkID[:])
	require.NoError(t, err)

	var cm connectMsg
	cm.Version = 2
	copy(cm.ClientPub[:], h.clientID.PublicBytes())
	copy(cm.Sig[:], sig)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.sendMessage(ctx, MsgConnect, encodeConnect(cm)))

	select {
	case res := <-client.acceptCh:
		require.False(t, res.accepted)
		require.Equal(t, RejectVersionMismatch, res.reject.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("never received REJECT")
	}
}

// TestCommandTimeout is scenario 4 of §8.
func TestCommandTimeout(t *testing.T) {
	h := dialSession(t)

	policy := DefaultPolicy()
	registry := NewRegistry()
	NewServer(h.serverLink, policy, echoExecutor{}, registry, nil)

	client := NewClient(h.clientLink, h.clientID, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.Connect(ctx)
	require.NoError(t, err)

	execCtx, execCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer execCancel()
	result, err := client.Execute(execCtx, CommandRequest{Command: "sleep", Args: []string{"999"}, TimeoutSecs: 1})
	require.NoError(t, err)
	require.Equal(t, StatusTimeout, result.Status)
	require.Equal(t, int32(-1), result.ExitCode)
}

// TestLargeOutputViaChunkedFraming is scenario 5 of §8: a 200KiB stdout
// arrives whole and its content hash matches.
func TestLargeOutputViaChunkedFraming(t *testing.T) {
	h := dialSession(t)

	registry := NewRegistry()
	NewServer(h.serverLink, DefaultPolicy(), echoExecutor{}, registry, nil)

	client := NewClient(h.clientLink, h.clientID, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := client.Connect(ctx)
	require.NoError(t, err)

	result, err := client.Execute(ctx, CommandRequest{Command: "bigoutput"})
	require.NoError(t, err)
	require.Equal(t, 200*1024, len(result.Stdout))

	want := sha256.Sum256(bytes.Repeat([]byte{0x37}, 200*1024))
	got := sha256.Sum256(result.Stdout)
	require.Equal(t, want, got)
}

// TestSessionCapEviction is P10.
func TestSessionCapEviction(t *testing.T) {
	registry := NewRegistry()
	policy := DefaultPolicy()
	policy.MaxSessions = 1

	h1 := dialSession(t)
	NewServer(h1.serverLink, policy, echoExecutor{}, registry, nil)
	c1 := NewClient(h1.clientLink, h1.clientID, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c1.Connect(ctx)
	require.NoError(t, err)

	h2 := dialSession(t)
	NewServer(h2.serverLink, policy, echoExecutor{}, registry, nil)
	c2 := NewClient(h2.clientLink, h2.clientID, nil)
	_, err = c2.Connect(ctx)
	require.Error(t, err)
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, RejectSessionCapReached, rejected.Code)

	require.NoError(t, c1.Disconnect(context.Background()))
	require.Eventually(t, func() bool { return registry.Len() == 0 }, time.Second, 10*time.Millisecond)

	h3 := dialSession(t)
	NewServer(h3.serverLink, policy, echoExecutor{}, registry, nil)
	c3 := NewClient(h3.clientLink, h3.clientID, nil)
	_, err = c3.Connect(ctx)
	require.NoError(t, err)
}

// TestValidationRejectsBeforeExecutorDispatch is P11.
func TestValidationRejectsBeforeExecutorDispatch(t *testing.T) {
	h := dialSession(t)
	registry := NewRegistry()
	NewServer(h.serverLink, DefaultPolicy(), echoExecutor{}, registry, nil)

	client := NewClient(h.clientLink, h.clientID, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.Connect(ctx)
	require.NoError(t, err)

	cases := []CommandRequest{
		{Command: ""},
		{Command: "echo", Args: []string{"bad\x00arg"}},
		{Command: "echo", WorkingDir: "../etc"},
	}
	for _, req := range cases {
		result, err := client.Execute(ctx, req)
		require.NoError(t, err)
		require.Equal(t, StatusError, result.Status)
	}
}
