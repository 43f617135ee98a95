package app

import (
	"okx-carry-bot/internal/hedge"
	"okx-carry-bot/internal/timescale"
)

func (s *Scheduler) recordAudit(strategyName, instID string, res hedge.AuditResult) {
	if s.audits == nil || res.Classification == "" {
		return
	}
	s.audits.EnqueueAudit(timescale.AuditRow{
		Time:           s.now().UTC(),
		Strategy:       strategyName,
		InstID:         instID,
		SpotBalance:    res.SpotBalance,
		Contracts:      res.Contracts,
		ImpliedSpot:    res.ImpliedSpot,
		Delta:          res.Delta,
		Classification: string(res.Classification),
		Action:         string(res.Action),
		ActionSize:     res.ActionSize,
	})
}
