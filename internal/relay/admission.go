package relay

import (
	"github.com/gorilla/websocket"

	"github.com/voidrelay/relay/internal/config"
	"github.com/voidrelay/relay/internal/ratelimit"
)

// RejectReason names why the Admission Front-Door refused a socket (§4.1).
type RejectReason string

const (
	RejectGlobalLimit RejectReason = "global_limit"
	RejectIPLimit     RejectReason = "ip_limit"
)

// AdmissionError reports a rejected admission attempt.
type AdmissionError struct {
	Reason RejectReason
}

func (e *AdmissionError) Error() string { return "admission rejected: " + string(e.Reason) }

// Admission is the §4.1 Admission Front-Door: accepts a socket only if global
// and per-IP ceilings permit.
type Admission struct {
	ipMeter     *ratelimit.IPMeter
	globalMeter *ratelimit.GlobalMeter
	cfg         *config.Config
}

// NewAdmission builds the front-door gate from the process configuration.
func NewAdmission(cfg *config.Config) *Admission {
	return &Admission{
		ipMeter:     ratelimit.NewIPMeter(cfg.MaxConnsPerIP),
		globalMeter: ratelimit.NewGlobalMeter(cfg.MaxTotalConnections),
		cfg:         cfg,
	}
}

// Admit allocates a Connection Context for socket iff both ceilings permit.
// On rejection it MUST NOT consume a slot in the meter that rejected it.
func (a *Admission) Admit(socket *websocket.Conn, ip string) (*Conn, error) {
	if !a.globalMeter.TryInc() {
		return nil, &AdmissionError{Reason: RejectGlobalLimit}
	}
	if !a.ipMeter.TryInc(ip) {
		a.globalMeter.Dec()
		return nil, &AdmissionError{Reason: RejectIPLimit}
	}

	msgBucket := ratelimit.NewTokenBucket(int64(a.cfg.MaxMsgsPer10s), int64(a.cfg.MaxMsgsPer10s), 10_000)
	byteBucket := ratelimit.NewTokenBucket(int64(a.cfg.MaxBytesPer10s), int64(a.cfg.MaxBytesPer10s), 10_000)

	return newConn(socket, ip, msgBucket, byteBucket), nil
}

// Release decrements both meters. It MUST run on every disconnect exactly
// once, including abnormal errors.
func (a *Admission) Release(ip string) {
	a.ipMeter.Dec(ip)
	a.globalMeter.Dec()
}
