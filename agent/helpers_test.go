package agent

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stellar/go/keypair"
	"github.com/stretchr/testify/require"

	"github.com/stellar/starlight-channels/state"
	"github.com/stellar/starlight-channels/txbuild"
)

const networkID = "ae_test"

const (
	initiatorAmount = 100_000_000_000_000
	responderAmount = 50_000_000_000_000
)

type participants struct {
	initiatorKey    *keypair.Full
	responderKey    *keypair.Full
	initiatorConfig Config
	responderConfig Config
}

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return l
}

func newParticipants() participants {
	ik := keypair.MustRandom()
	rk := keypair.MustRandom()
	return participants{
		initiatorKey: ik,
		responderKey: rk,
		initiatorConfig: Config{
			NetworkID: networkID,
			Role:      state.RoleInitiator,
			Sign:      KeypairSigner(networkID, ik),
			Params: state.Params{
				InitiatorID:     ik.Address(),
				ResponderID:     rk.Address(),
				InitiatorAmount: initiatorAmount,
				ResponderAmount: responderAmount,
				LockPeriod:      10,
				Nonce:           1,
			},
			Timeout: 5 * time.Second,
			Logger:  testLogger(),
		},
		responderConfig: Config{
			NetworkID: networkID,
			Role:      state.RoleResponder,
			Sign:      KeypairSigner(networkID, rk),
			Params:    state.Params{ResponderID: rk.Address()},
			Timeout:   5 * time.Second,
			Logger:    testLogger(),
		},
	}
}

func (p participants) addresses() (string, string) {
	return p.initiatorKey.Address(), p.responderKey.Address()
}

func (p participants) signer(kp *keypair.Full) txbuild.SignFunc {
	return txbuild.KeypairSigner(networkID, kp)
}

// coSigner returns a SignFunc that signs with both participants' keys.
func (p participants) coSigner() txbuild.SignFunc {
	return func(tx []byte) ([]byte, error) {
		signed, err := txbuild.Sign(networkID, p.initiatorKey, tx)
		if err != nil {
			return nil, err
		}
		return txbuild.Sign(networkID, p.responderKey, signed)
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// connect initializes an initiator and a responder over a pipe.
func connect(t *testing.T, ic, rc Config) (*Agent, *Agent) {
	t.Helper()
	initiatorConn, responderConn := net.Pipe()
	return connectOver(t, ic, rc, initiatorConn, responderConn)
}

// connectOver initializes an initiator and a responder over the two ends of
// a connection.
func connectOver(t *testing.T, ic, rc Config, initiatorConn, responderConn net.Conn) (*Agent, *Agent) {
	t.Helper()
	ctx := testContext(t)

	type result struct {
		agent *Agent
		err   error
	}
	responderResult := make(chan result, 1)
	go func() {
		a, err := Initialize(ctx, responderConn, rc)
		responderResult <- result{a, err}
	}()
	initiator, err := Initialize(ctx, initiatorConn, ic)
	require.NoError(t, err)
	r := <-responderResult
	require.NoError(t, r.err)
	t.Cleanup(func() {
		initiator.Disconnect()
		r.agent.Disconnect()
	})
	return initiator, r.agent
}

// reconnect resumes the session of the agents over a new pipe.
func reconnect(t *testing.T, initiator, responder *Agent) {
	t.Helper()
	ctx := testContext(t)
	initiatorConn, responderConn := net.Pipe()
	responderErr := make(chan error, 1)
	go func() {
		responderErr <- responder.Reconnect(ctx, responderConn)
	}()
	require.NoError(t, initiator.Reconnect(ctx, initiatorConn))
	require.NoError(t, <-responderErr)
}

// disconnect disconnects both agents and waits for them to be disconnected.
func disconnect(t *testing.T, initiator, responder *Agent) {
	t.Helper()
	ctx := testContext(t)
	initiator.Disconnect()
	responder.Disconnect()
	for _, a := range []*Agent{initiator, responder} {
		_, err := a.WaitForStatus(ctx, StatusDisconnected)
		require.NoError(t, err)
	}
}

// slowConn delays every write by delay nanoseconds.
type slowConn struct {
	net.Conn
	delay atomic.Int64
}

func (c *slowConn) Write(b []byte) (int, error) {
	time.Sleep(time.Duration(c.delay.Load()))
	return c.Conn.Write(b)
}
