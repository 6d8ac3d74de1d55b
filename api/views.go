package api

import (
	"github.com/gin-gonic/gin"

	"github.com/tgshop/onchain-engine/db"
)

func addressView(a *db.WatchedAddress) gin.H {
	return gin.H{
		"id":       a.Id,
		"chain":    a.Chain,
		"address":  a.Address,
		"label":    a.Label,
		"active":   a.Active,
		"added_by": a.AddedBy,
		"added_at": a.CreatedTime,
	}
}

func ruleView(r *db.AutoSettlementRule) gin.H {
	view := gin.H{
		"id":                  r.Id,
		"chain":               r.Chain,
		"destination_address": r.DestinationAddress,
		"percentage_bps":      r.PercentageBps,
		"label":               r.Label,
		"enabled":             r.Enabled,
		"min_threshold":       r.MinThreshold,
		"max_amount":          nil,
	}
	if r.MaxAmount.Valid {
		view["max_amount"] = r.MaxAmount.Decimal
	}
	return view
}

func payoutView(p *db.Payout) gin.H {
	view := gin.H{
		"id":                p.Id,
		"chain":             p.Chain,
		"to_address":        p.ToAddress,
		"amount":            p.Amount,
		"fee":               nil,
		"priority":          p.Priority,
		"status":            p.Status,
		"created_by":        p.CreatedBy,
		"created_at":        p.CreatedTime,
		"processed_at":      p.ProcessedAt,
		"txid":              p.Txid,
		"notes":             p.Notes,
		"batch_id":          p.BatchId,
		"scheduled_at":      p.ScheduledAt,
		"attempts":          p.Attempts,
		"last_error":        p.LastError,
		"rule_id":           p.RuleId,
		"source_deposit_id": p.SourceDepositId,
	}
	if p.Fee.Valid {
		view["fee"] = p.Fee.Decimal
	}
	return view
}

func depositView(d *db.Deposit) gin.H {
	return gin.H{
		"id":            d.Id,
		"chain":         d.Chain,
		"txid":          d.Txid,
		"vout":          d.Vout,
		"address":       d.Address,
		"amount":        d.Amount,
		"first_seen_at": d.FirstSeenAt,
		"block_height":  d.BlockHeight,
		"confirmations": d.Confirmations,
		"state":         d.State,
		"confirmed_at":  d.ConfirmedAt,
		"notified_at":   d.NotifiedAt,
		"settled_at":    d.SettledAt,
	}
}

func securityEventView(e *db.SecurityEvent) gin.H {
	return gin.H{
		"id":      e.Id,
		"at":      e.At,
		"user_id": e.UserId,
		"action":  e.Action,
		"success": e.Success,
		"details": e.Details,
	}
}

func deadLetterView(l *db.DeadLetter) gin.H {
	return gin.H{
		"id":        l.Id,
		"kind":      l.Kind,
		"ref_id":    l.RefId,
		"reason":    l.Reason,
		"attempts":  l.Attempts,
		"parked_at": l.CreatedTime,
	}
}
