package agent

import (
	"context"
	"errors"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"fleetd/pkg/types"
)

// CollectHost gathers CPU and memory figures for this machine.
func CollectHost(ctx context.Context) (types.NodeStatus, error) {
	var st types.NodeStatus
	n, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return st, err
	}
	st.CPUCount = n
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		st.CPUPercent = pct[0]
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return st, err
	}
	st.MemTotal = vm.Total
	st.MemUsed = vm.Used
	return st, nil
}

// Status collects the node status that ReportStatus pushes.
func (a *Agent) Status(ctx context.Context) (types.NodeStatus, error) {
	st, err := a.cfg.Collect(ctx)
	if err != nil {
		return st, err
	}
	st.Address = a.cfg.Address
	st.ModelCount = a.ModelCount()
	st.Devices = a.DeviceOccupancy()
	st.CollectedAt = time.Now().Unix()
	return st, nil
}

// ReportStatus collects and pushes one status report.
func (a *Agent) ReportStatus(ctx context.Context) error {
	if a.cfg.Status == nil {
		return errors.New("no status reporter configured")
	}
	st, err := a.Status(ctx)
	if err != nil {
		return err
	}
	return a.cfg.Status.ReportNodeStatus(ctx, a.cfg.Address, st)
}

// reportLoop pushes status every ReportInterval. Failures are logged and
// retried on the next tick.
func (a *Agent) reportLoop(ctx context.Context) {
	if a.cfg.Status == nil {
		<-ctx.Done()
		return
	}
	t := time.NewTicker(a.cfg.ReportInterval)
	defer t.Stop()
	for {
		rctx, cancel := context.WithTimeout(ctx, a.cfg.ReportInterval*5)
		err := a.ReportStatus(rctx)
		cancel()
		if err != nil && ctx.Err() == nil {
			reportFailuresTotal.WithLabelValues(a.cfg.Address).Inc()
			a.cfg.Events.Publish(Event{Name: EventReportFailed, Fields: map[string]any{"error": err.Error()}})
			a.log.Warn().Err(err).Msg("event=report_failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
