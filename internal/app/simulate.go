package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"windtunnel-telemetry/internal/parsing"
	"windtunnel-telemetry/internal/service"
	"windtunnel-telemetry/internal/telemetry"
)

// Simulate 将一帧数据按给定来源送入完整处理流程，不经过 TCP。
func (a *App) Simulate(ctx context.Context, out io.Writer, opts SimulateOptions) (telemetry.Record, error) {
	if opts.Frame == "" {
		return telemetry.Record{}, errors.New("frame 不能为空")
	}

	peer, err := simulatedPeer(opts)
	if err != nil {
		return telemetry.Record{}, err
	}

	rt, err := a.Build(ctx)
	if err != nil {
		return telemetry.Record{}, err
	}
	defer rt.Close()

	rec, err := rt.Pipeline.HandleFrame(ctx, peer, opts.Frame)
	if errors.Is(err, service.ErrDecode) {
		return rec, err
	}
	a.flushNotifications(ctx, rt)

	if werr := writeRecordTable(out, []telemetry.Record{rec}); werr != nil {
		return rec, werr
	}
	return rec, err
}

func simulatedPeer(opts SimulateOptions) (parsing.Peer, error) {
	peer := parsing.Peer{Declared: opts.Declared}
	if opts.PeerAddr == "" {
		return peer, nil
	}
	host, _, err := net.SplitHostPort(opts.PeerAddr)
	if err != nil {
		host = opts.PeerAddr
	}
	if net.ParseIP(host) == nil {
		return parsing.Peer{}, fmt.Errorf("invalid peer address %q", opts.PeerAddr)
	}
	peer.Addr = opts.PeerAddr
	peer.Host = host
	return peer, nil
}
