// SPDX-License-Identifier: GPL-3.0-or-later

package devconn

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"
)

// Target identifies the peer the client should connect to.
//
// Device peers are typically addressed by a numeric IP on the local
// network; hostnames are supported through the configured [Resolver].
type Target struct {
	// Host is the hostname or numeric IP address of the peer.
	Host string

	// Port is the TCP port of the peer.
	Port uint16

	// DisableNoDelay leaves Nagle's algorithm enabled on the
	// established connection. The zero value disables Nagle, which
	// suits the short command/status writes device protocols use.
	DisableNoDelay bool

	// DisableKeepAlive leaves TCP keepalive off on the established
	// connection. The zero value enables keepalive.
	DisableKeepAlive bool
}

// NewTargetFunc returns a [Func] that always returns the given [Target].
//
// This is a convenience for injecting the connect target into a dial
// pipeline built with [Compose2] and friends.
func NewTargetFunc(target Target) Func[Unit, Target] {
	return FuncAdapter[Unit, Target](func(ctx context.Context, _ Unit) (Target, error) {
		return target, nil
	})
}

// NewResolveFunc returns a new [*ResolveFunc].
//
// The cfg argument contains the common configuration for devconn operations.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewResolveFunc(cfg *Config, logger SLogger) *ResolveFunc {
	return &ResolveFunc{
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		Resolver:      cfg.Resolver,
		TimeNow:       cfg.TimeNow,
	}
}

// ResolveFunc maps a [Target] to candidate [netip.AddrPort] values.
//
// Numeric addresses take the fast path and never touch the resolver.
// Hostnames are resolved through the configured [Resolver]; the returned
// candidates preserve the resolver's ordering.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Call].
type ResolveFunc struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewResolveFunc] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewResolveFunc] to the user-provided logger.
	Logger SLogger

	// Resolver is the [Resolver] to use for the DNS fallback.
	//
	// Set by [NewResolveFunc] from [Config.Resolver].
	Resolver Resolver

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewResolveFunc] from [Config.TimeNow].
	TimeNow func() time.Time
}

var _ Func[Target, []netip.AddrPort] = &ResolveFunc{}

// Call resolves the target into one or more candidate endpoints.
func (op *ResolveFunc) Call(ctx context.Context, target Target) ([]netip.AddrPort, error) {
	if target.Host == "" {
		return nil, fmt.Errorf("%w: empty host", ErrInvalidArgument)
	}
	if target.Port == 0 {
		return nil, fmt.Errorf("%w: port must be in 1..65535", ErrInvalidArgument)
	}

	// Numeric fast path: no resolver round trip for literal addresses.
	if addr, err := netip.ParseAddr(target.Host); err == nil {
		return []netip.AddrPort{netip.AddrPortFrom(addr.Unmap(), target.Port)}, nil
	}

	t0 := op.TimeNow()
	deadline, _ := ctx.Deadline()
	op.Logger.Info(
		"resolveStart",
		slog.Time("deadline", deadline),
		slog.String("hostname", target.Host),
		slog.Time("t", t0),
	)

	addrs, err := op.Resolver.LookupNetIP(ctx, "ip", target.Host)

	op.Logger.Info(
		"resolveDone",
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", op.ErrClassifier.Classify(err)),
		slog.String("hostname", target.Host),
		slog.Any("addrs", addrs),
		slog.Time("t0", t0),
		slog.Time("t", op.TimeNow()),
	)
	if err != nil {
		return nil, err
	}

	endpoints := make([]netip.AddrPort, 0, len(addrs))
	for _, addr := range addrs {
		endpoints = append(endpoints, netip.AddrPortFrom(addr.Unmap(), target.Port))
	}
	return endpoints, nil
}
