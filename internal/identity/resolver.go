// Package identity maps a block device to the hardware serial number used as
// its persistence key.
//
// SD cards expose their CID register through sysfs when attached to a native
// MMC host. USB card readers usually hide it, so the resolver falls back to
// lsblk and then to the udev database, which report the reader-provided
// serial for the same card.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"sdwear-agent/internal/model"
)

var ErrNoIdentity = errors.New("no identity")

// Strategy is one way of obtaining a device serial.
type Strategy interface {
	Name() string
	Resolve(ctx context.Context, dev model.Device) (model.Identity, error)
}

// Resolver tries strategies in order and returns the first usable identity.
type Resolver struct {
	logger     *slog.Logger
	strategies []Strategy
}

func NewResolver(logger *slog.Logger, strategies ...Strategy) *Resolver {
	return &Resolver{logger: logger, strategies: strategies}
}

// NewDefaultResolver wires the CID, lsblk, and udev strategies.
func NewDefaultResolver(logger *slog.Logger, sysRoot string) *Resolver {
	return NewResolver(logger,
		NewCIDStrategy(sysRoot),
		NewLsblkStrategy(""),
		NewUdevStrategy(),
	)
}

func (r *Resolver) Resolve(ctx context.Context, dev model.Device) (model.Identity, error) {
	var errs []error
	for _, s := range r.strategies {
		id, err := s.Resolve(ctx, dev)
		if err == nil {
			id.Fingerprint = strings.TrimSpace(id.Fingerprint)
			if id.Fingerprint == "" {
				err = errors.New("empty serial")
			}
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return model.Identity{}, ctxErr
			}
			r.logger.Debug("identity strategy failed", "device", dev.Node, "strategy", s.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		id.Strategy = s.Name()
		return id, nil
	}
	if len(errs) == 0 {
		errs = append(errs, errors.New("no strategies configured"))
	}
	return model.Identity{}, fmt.Errorf("%w for %s: %w", ErrNoIdentity, dev.Node, errors.Join(errs...))
}
