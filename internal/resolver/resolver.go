// Package resolver computes the transitive dependency closure of a
// wishlist over a Cartesian product of build targets, classifying every
// node as needs_wheels (target-serving) or metadata-only.
package resolver

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/bilusteknoloji/wheelmirror/internal/marker"
	"github.com/bilusteknoloji/wheelmirror/internal/registry"
	"github.com/bilusteknoloji/wheelmirror/internal/target"
)

// ResolvedPackage is one node of a resolved dependency closure.
type ResolvedPackage struct {
	CanonicalName string
	Version       string
	Release       registry.Release
	NeedsWheels   bool
}

// ClosureMap is the full resolved dependency closure, keyed by canonical name.
type ClosureMap map[string]*ResolvedPackage

// frontierItem is one pending (name, pin, needs_wheels) entry awaiting
// resolution.
type frontierItem struct {
	Name        string
	Pin         string
	NeedsWheels bool
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// Resolver performs the breadth-first closure computation of internal/registry
// releases over a set of build targets.
type Resolver struct {
	client  registry.Client
	targets []target.Target
	logger  *slog.Logger
}

// New creates a Resolver against client, evaluating marker reachability
// over targets.
func New(client registry.Client, targets []target.Target, opts ...Option) *Resolver {
	r := &Resolver{
		client:  client,
		targets: targets,
		logger:  slog.Default(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Resolve computes the closure for a wishlist of PEP 508 requirement
// strings. Root packages enter the frontier with needs_wheels = true and
// no pin. Terminates when the frontier is empty.
func (r *Resolver) Resolve(ctx context.Context, wishlist []string) (ClosureMap, error) {
	resolved := make(ClosureMap)

	frontier := make([]frontierItem, 0, len(wishlist))
	for _, raw := range wishlist {
		req := marker.ParseRequirement(raw)
		frontier = append(frontier, frontierItem{
			Name:        req.Name,
			Pin:         marker.ExtractPin(req.Specifier),
			NeedsWheels: true,
		})
	}

	inFlight := make(map[string]bool)

	for len(frontier) > 0 {
		work := r.drainRound(resolved, frontier, inFlight)
		if len(work) == 0 {
			break
		}

		children, err := r.resolveRound(ctx, resolved, work)
		if err != nil {
			return nil, err
		}

		for name := range work {
			delete(inFlight, name)
		}

		frontier = children
	}

	return resolved, nil
}

// drainRound filters the frontier down to the set of canonical names that
// must actually be fetched this round: names already resolved get a
// monotone needs_wheels upgrade in place (P3) and are skipped; names
// already in flight are skipped; everything else is deduplicated into
// one work item per name (first pin wins, needs_wheels is OR'd across
// duplicate entries drawn from the same frontier).
func (r *Resolver) drainRound(
	resolved ClosureMap,
	frontier []frontierItem,
	inFlight map[string]bool,
) map[string]frontierItem {
	work := make(map[string]frontierItem)

	for _, item := range frontier {
		if pkg, ok := resolved[item.Name]; ok {
			if item.NeedsWheels {
				pkg.NeedsWheels = true
			}

			continue
		}

		if inFlight[item.Name] {
			continue
		}

		if existing, ok := work[item.Name]; ok {
			existing.NeedsWheels = existing.NeedsWheels || item.NeedsWheels
			work[item.Name] = existing

			continue
		}

		work[item.Name] = item
		inFlight[item.Name] = true
	}

	return work
}

// resolveRound fetches releases and dependencies for one round's worth of
// work concurrently, records resolved nodes, and returns the next
// frontier generation. A registry miss logs a warning and drops the node
// (and, transitively, its unexplored dependents) rather than failing the
// round.
func (r *Resolver) resolveRound(
	ctx context.Context,
	resolved ClosureMap,
	work map[string]frontierItem,
) ([]frontierItem, error) {
	var mu sync.Mutex

	var children []frontierItem

	g, gctx := errgroup.WithContext(ctx)

	for _, item := range work {
		item := item

		g.Go(func() error {
			release, err := r.client.FetchRelease(gctx, item.Name, item.Pin)
			if err != nil {
				r.logger.Warn("dropping package: registry fetch failed",
					slog.String("name", item.Name),
					slog.String("pin", item.Pin),
					slog.String("error", err.Error()),
				)

				return nil
			}

			mu.Lock()
			resolved[item.Name] = &ResolvedPackage{
				CanonicalName: item.Name,
				Version:       release.Version,
				Release:       *release,
				NeedsWheels:   item.NeedsWheels,
			}
			mu.Unlock()

			r.logger.Debug("resolved package",
				slog.String("name", item.Name),
				slog.String("version", release.Version),
				slog.Bool("needs_wheels", item.NeedsWheels),
			)

			deps, err := r.client.FetchDependencies(gctx, item.Name, release.Version)
			if err != nil {
				r.logger.Debug("dropping dependencies: fetch failed",
					slog.String("name", item.Name),
					slog.String("version", release.Version),
					slog.String("error", err.Error()),
				)

				return nil
			}

			next := r.childFrontier(item.NeedsWheels, deps)

			mu.Lock()
			children = append(children, next...)
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return children, nil
}

// childFrontier turns a package's raw Requires-Dist strings into frontier
// items, computing each child's needs_wheels as parentNeedsWheels AND
// reachable.
func (r *Resolver) childFrontier(parentNeedsWheels bool, deps []string) []frontierItem {
	items := make([]frontierItem, 0, len(deps))

	for _, raw := range deps {
		req := marker.ParseRequirement(raw)
		reachable := marker.ReachableAny(req.Marker, r.targets)

		items = append(items, frontierItem{
			Name:        req.Name,
			Pin:         marker.ExtractPin(req.Specifier),
			NeedsWheels: parentNeedsWheels && reachable,
		})
	}

	return items
}
