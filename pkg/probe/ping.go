package probe

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"regexp"
	"strconv"

	"overlay-wan/pkg/model"
)

// ErrNoPingOutput means ping produced nothing we could parse.
var ErrNoPingOutput = errors.New("unparseable ping output")

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// PingProber shells out to the system ping and reads the summary lines.
type PingProber struct {
	Run Runner
}

// NewPingProber uses os/exec.
func NewPingProber() *PingProber {
	return &PingProber{Run: execRunner}
}

func (p *PingProber) Probe(ctx context.Context, t Target) (model.ProbeResult, error) {
	t = t.WithDefaults()
	wait := int(math.Ceil(t.Timeout.Seconds()))
	if wait < 1 {
		wait = 1
	}
	run := p.Run
	if run == nil {
		run = execRunner
	}
	// ping exits non-zero when every packet is lost, so the output is
	// parsed before the error is considered.
	out, runErr := run(ctx, "ping", "-n", "-q", "-c", strconv.Itoa(t.Count), "-i", "0.2", "-W", strconv.Itoa(wait), t.Address)
	res, err := parsePing(string(out), t)
	if err != nil {
		if runErr != nil {
			return model.LostProbe(t.Count, t.Timeout), fmt.Errorf("ping %s: %w", t.Address, runErr)
		}
		return model.LostProbe(t.Count, t.Timeout), fmt.Errorf("ping %s: %w", t.Address, err)
	}
	return res, nil
}

var (
	pingCountRe = regexp.MustCompile(`(\d+) packets transmitted, (\d+) (?:packets )?received`)
	pingLossRe  = regexp.MustCompile(`([0-9.]+)% packet loss`)
	// linux "rtt min/avg/max/mdev", bsd "round-trip min/avg/max/stddev"
	pingRttRe = regexp.MustCompile(`= ([0-9.]+)/([0-9.]+)/([0-9.]+)/([0-9.]+) ms`)
)

// parsePing reads iputils or BSD ping summary output. Average RTT becomes
// latency and mdev becomes jitter. With no replies at all the latency is
// pinned to the timeout.
func parsePing(out string, t Target) (model.ProbeResult, error) {
	m := pingCountRe.FindStringSubmatch(out)
	if len(m) != 3 {
		return model.ProbeResult{}, ErrNoPingOutput
	}
	sent, _ := strconv.Atoi(m[1])
	received, _ := strconv.Atoi(m[2])

	res := model.ProbeResult{ProbesSent: sent, ProbesReceived: received}
	if lm := pingLossRe.FindStringSubmatch(out); len(lm) == 2 {
		res.PacketLossPct, _ = strconv.ParseFloat(lm[1], 64)
	} else if sent > 0 {
		res.PacketLossPct = 100 * float64(sent-received) / float64(sent)
	}

	rm := pingRttRe.FindStringSubmatch(out)
	if received == 0 || len(rm) != 5 {
		lost := model.LostProbe(sent, t.Timeout)
		lost.ProbesReceived = received
		return lost, nil
	}
	res.LatencyMs, _ = strconv.ParseFloat(rm[2], 64)
	res.JitterMs, _ = strconv.ParseFloat(rm[4], 64)
	return res, nil
}
