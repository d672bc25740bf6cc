package dispatcher

// Stats is one snapshot of the correlator's health, served on the ops
// endpoint. Reading it resets the rolling timing windows; Processed and
// QueueDepth are instantaneous.
type Stats struct {
	Rules           map[string]float64 `json:"rules"`
	TotalAverage    float64            `json:"total_average"`
	Processed       int64              `json:"processed"`
	QueueDepth      int                `json:"queue_depth"`
	PoolUtilization float64            `json:"pool_utilization"`
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	var avg float64
	if d.totalN > 0 {
		avg = d.totalSum.Seconds() / float64(d.totalN)
	}
	d.totalSum, d.totalN = 0, 0
	processed := d.processed
	d.mu.Unlock()

	return Stats{
		Rules:           d.engine.Stats(),
		TotalAverage:    avg,
		Processed:       processed,
		QueueDepth:      d.queue.depth(),
		PoolUtilization: d.pool.Utilization(),
	}
}
