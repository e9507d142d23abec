package pool

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/kandev/agentpool/internal/common/tracing"
	"github.com/kandev/agentpool/internal/host/docker"
	"github.com/kandev/agentpool/internal/host/models"
)

// Sync deletes the containers of host that carry its agent name prefix but
// have no agent record. Containers without a host label are reconciled too;
// only those labelled for a different host (whose name happens to extend this
// one's prefix on a shared daemon) are skipped. Failures are logged, skipped
// and returned together.
func (p *Pool) Sync(ctx context.Context, host *models.AgentHost) (err error) {
	ctx, span := p.tracer.Start(ctx, "pool.Sync")
	removed := 0
	defer func() {
		tracing.End(span, err, attribute.String("host.id", host.ID), attribute.Int("removed", removed))
	}()
	log := p.logger.WithHostID(host.ID)

	c, release, err := p.cache.Acquire(ctx, host)
	if err != nil {
		return err
	}
	defer release()

	containers, err := c.List(ctx, docker.Filter{NamePrefix: host.AgentPrefix()})
	if err != nil {
		return fmt.Errorf("list containers of host %s: %w", host.Name, err)
	}
	agents, err := p.agents.ListByHost(ctx, host.ID)
	if err != nil {
		return err
	}
	known := make(map[string]struct{}, len(agents))
	for _, a := range agents {
		known[a.Name] = struct{}{}
	}

	var result *multierror.Error
	for _, ctr := range containers {
		if _, ok := known[ctr.Name]; ok {
			continue
		}
		if owner := ctr.Labels[docker.LabelHost]; owner != "" && owner != host.ID {
			continue
		}
		if err := c.Delete(ctx, ctr.Name); err != nil {
			log.Warn("failed to delete orphan container", zap.String("container", ctr.Name), zap.Error(err))
			result = multierror.Append(result, fmt.Errorf("container %s: %w", ctr.Name, err))
			continue
		}
		removed++
		log.Info("orphan container deleted", zap.String("container", ctr.Name))
	}
	return result.ErrorOrNil()
}
