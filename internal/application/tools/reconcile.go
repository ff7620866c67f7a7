package tools

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/aescanero/dagflow/pkg/domain"
	"github.com/aescanero/dagflow/pkg/ports"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Report lists the client ids touched by a reconciliation
type Report struct {
	Added     []string          `json:"added"`
	Refreshed []string          `json:"refreshed"`
	Removed   []string          `json:"removed"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// Plan is the set of operations that brings live in line with persisted
type Plan struct {
	Add     []domain.ToolClientConfig
	Refresh []domain.ToolClientConfig
	Remove  []string
}

// Diff walks both lists in id order. Clients only persisted are added,
// clients whose name or config differ are refreshed and clients only live
// are removed.
func Diff(persisted, live []domain.ToolClientConfig) Plan {
	p := sortedByID(persisted)
	l := sortedByID(live)

	var plan Plan
	i, j := 0, 0
	for i < len(p) || j < len(l) {
		switch {
		case j >= len(l) || (i < len(p) && p[i].ID < l[j].ID):
			plan.Add = append(plan.Add, p[i])
			i++
		case i >= len(p) || l[j].ID < p[i].ID:
			plan.Remove = append(plan.Remove, l[j].ID)
			j++
		default:
			if !sameClient(p[i], l[j]) {
				plan.Refresh = append(plan.Refresh, p[i])
			}
			i++
			j++
		}
	}
	return plan
}

// Reconcile applies Diff(store, manager) concurrently. Individual failures
// are logged and reported, never fatal to the batch.
func Reconcile(ctx context.Context, store ports.ToolConfigStore, manager ports.ClientManager, logger *zap.Logger) (*Report, error) {
	persisted, err := store.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load tool configuration: %w", err)
	}
	plan := Diff(persisted, manager.Clients())

	report := &Report{
		Added:     []string{},
		Refreshed: []string{},
		Removed:   []string{},
	}
	var mu sync.Mutex
	record := func(list *[]string, id string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			if report.Failed == nil {
				report.Failed = make(map[string]string)
			}
			report.Failed[id] = err.Error()
			logger.Error("tool client reconciliation failed", zap.String("client_id", id), zap.Error(err))
			return
		}
		*list = append(*list, id)
	}

	var g errgroup.Group
	for _, cfg := range plan.Add {
		g.Go(func() error {
			record(&report.Added, cfg.ID, manager.AddClient(ctx, cfg))
			return nil
		})
	}
	for _, cfg := range plan.Refresh {
		g.Go(func() error {
			record(&report.Refreshed, cfg.ID, manager.RefreshClient(ctx, cfg))
			return nil
		})
	}
	for _, id := range plan.Remove {
		g.Go(func() error {
			record(&report.Removed, id, manager.RemoveClient(ctx, id))
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(report.Added)
	sort.Strings(report.Refreshed)
	sort.Strings(report.Removed)

	logger.Info("tool clients reconciled",
		zap.Int("added", len(report.Added)),
		zap.Int("refreshed", len(report.Refreshed)),
		zap.Int("removed", len(report.Removed)),
		zap.Int("failed", len(report.Failed)))

	return report, nil
}

func sameClient(a, b domain.ToolClientConfig) bool {
	if a.Name != b.Name {
		return false
	}
	if len(a.Config) == 0 && len(b.Config) == 0 {
		return true
	}
	return reflect.DeepEqual(a.Config, b.Config)
}

func sortedByID(in []domain.ToolClientConfig) []domain.ToolClientConfig {
	out := append([]domain.ToolClientConfig(nil), in...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
