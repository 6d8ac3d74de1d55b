package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/tgshop/onchain-engine/db"
	"github.com/tgshop/onchain-engine/oaeerr"
	"github.com/tgshop/onchain-engine/payout"
	"github.com/tgshop/onchain-engine/settlement"
)

var kindStatus = map[oaeerr.Kind]int{
	oaeerr.InvalidInput:       http.StatusBadRequest,
	oaeerr.NotFound:           http.StatusNotFound,
	oaeerr.Conflict:           http.StatusConflict,
	oaeerr.Locked:             http.StatusLocked,
	oaeerr.BadPin:             http.StatusForbidden,
	oaeerr.StorageUnavailable: http.StatusServiceUnavailable,
	oaeerr.AdapterUnavailable: http.StatusBadGateway,
	oaeerr.AdapterRejected:    http.StatusUnprocessableEntity,
	oaeerr.PolicyViolation:    http.StatusUnprocessableEntity,
	oaeerr.Internal:           http.StatusInternalServerError,
}

// fail writes the stable code only; error text stays in the logs.
func (s *Server) fail(c *gin.Context, err error) {
	kind := oaeerr.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError {
		s.logger.Errorf("%s %s failed, error: %v", c.Request.Method, c.FullPath(), err)
	}
	c.JSON(status, gin.H{"code": kind.Code()})
}

func (s *Server) badRequest(c *gin.Context, op string, err error) {
	s.fail(c, oaeerr.Wrap(oaeerr.InvalidInput, op, err))
}

func (s *Server) idParam(c *gin.Context, op string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		s.badRequest(c, op, err)
		return 0, false
	}
	return id, true
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "type": "liveness"})
}

func (s *Server) readyz(c *gin.Context) {
	if err := s.backend.Ready(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "type": "readiness", "code": oaeerr.Code(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "type": "readiness"})
}

type addAddressRequest struct {
	Chain   string `json:"chain" binding:"required"`
	Address string `json:"address" binding:"required"`
	Label   string `json:"label"`
}

func (s *Server) addAddress(c *gin.Context) {
	var req addAddressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "addresses.add", err)
		return
	}
	id, err := s.backend.AddAddress(c.Request.Context(), principal(c), req.Chain, req.Address, req.Label)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (s *Server) deactivateAddress(c *gin.Context) {
	id, ok := s.idParam(c, "addresses.deactivate")
	if !ok {
		return
	}
	if err := s.backend.DeactivateAddress(c.Request.Context(), principal(c), id); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listAddresses(c *gin.Context) {
	addresses, err := s.backend.ListAddresses(c.Query("chain"))
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]gin.H, 0, len(addresses))
	for i := range addresses {
		out = append(out, addressView(&addresses[i]))
	}
	c.JSON(http.StatusOK, out)
}

type addRuleRequest struct {
	Chain              string           `json:"chain" binding:"required"`
	DestinationAddress string           `json:"destination_address" binding:"required"`
	PercentageBps      int              `json:"percentage_bps"`
	Label              string           `json:"label"`
	MinThreshold       decimal.Decimal  `json:"min_threshold"`
	MaxAmount          *decimal.Decimal `json:"max_amount"`
}

func (s *Server) addRule(c *gin.Context) {
	var req addRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "rules.add", err)
		return
	}
	in := settlement.RuleInput{
		Chain:              req.Chain,
		DestinationAddress: req.DestinationAddress,
		PercentageBps:      req.PercentageBps,
		Label:              req.Label,
		MinThreshold:       req.MinThreshold,
	}
	if req.MaxAmount != nil {
		in.MaxAmount = decimal.NewNullDecimal(*req.MaxAmount)
	}
	rule, err := s.backend.AddRule(c.Request.Context(), principal(c), in)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, ruleView(rule))
}

func (s *Server) listRules(c *gin.Context) {
	rules, err := s.backend.ListRules(c.Query("chain"))
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]gin.H, 0, len(rules))
	for i := range rules {
		out = append(out, ruleView(&rules[i]))
	}
	c.JSON(http.StatusOK, out)
}

type setEnabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (s *Server) setRuleEnabled(c *gin.Context) {
	id, ok := s.idParam(c, "rules.setEnabled")
	if !ok {
		return
	}
	var req setEnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "rules.setEnabled", err)
		return
	}
	if err := s.backend.SetRuleEnabled(c.Request.Context(), principal(c), id, *req.Enabled); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type createPayoutRequest struct {
	Chain       string          `json:"chain" binding:"required"`
	ToAddress   string          `json:"to_address" binding:"required"`
	Amount      decimal.Decimal `json:"amount"`
	Notes       string          `json:"notes"`
	Priority    string          `json:"priority"`
	ScheduledAt *time.Time      `json:"scheduled_at"`
}

func (s *Server) createPayout(c *gin.Context) {
	var req createPayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "payouts.create", err)
		return
	}
	p, err := s.backend.CreatePayout(c.Request.Context(), payout.CreateRequest{
		Chain:       req.Chain,
		ToAddress:   req.ToAddress,
		Amount:      req.Amount,
		Notes:       req.Notes,
		Priority:    req.Priority,
		ScheduledAt: req.ScheduledAt,
		CreatedBy:   principal(c),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, payoutView(p))
}

type payoutQuery struct {
	Chain     string `form:"chain"`
	Status    string `form:"status"`
	CreatedBy string `form:"created_by"`
	BatchId   string `form:"batch_id"`
	Limit     int    `form:"limit"`
	Offset    int    `form:"offset"`
}

func (s *Server) listPayouts(c *gin.Context) {
	var q payoutQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		s.badRequest(c, "payouts.list", err)
		return
	}
	payouts, err := s.backend.ListPayouts(db.PayoutFilter{
		Chain: q.Chain, Status: q.Status, CreatedBy: q.CreatedBy, BatchId: q.BatchId,
		Limit: q.Limit, Offset: q.Offset,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]gin.H, 0, len(payouts))
	for i := range payouts {
		out = append(out, payoutView(&payouts[i]))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getPayout(c *gin.Context) {
	id, ok := s.idParam(c, "payouts.get")
	if !ok {
		return
	}
	p, err := s.backend.GetPayout(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, payoutView(p))
}

type authorizeRequest struct {
	Pin string `json:"pin" binding:"required"`
}

func (s *Server) authorizePayout(c *gin.Context) {
	id, ok := s.idParam(c, "payouts.authorize")
	if !ok {
		return
	}
	var req authorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "payouts.authorize", err)
		return
	}
	p, err := s.backend.AuthorizePayout(c.Request.Context(), id, principal(c), req.Pin)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, payoutView(p))
}

func (s *Server) cancelPayout(c *gin.Context) {
	id, ok := s.idParam(c, "payouts.cancel")
	if !ok {
		return
	}
	if err := s.backend.CancelPayout(c.Request.Context(), id, principal(c)); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) retryPayout(c *gin.Context) {
	id, ok := s.idParam(c, "payouts.retry")
	if !ok {
		return
	}
	p, err := s.backend.RetryPayout(c.Request.Context(), id, principal(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, payoutView(p))
}

func (s *Server) clonePayout(c *gin.Context) {
	id, ok := s.idParam(c, "payouts.clone")
	if !ok {
		return
	}
	p, err := s.backend.ClonePayout(c.Request.Context(), id, principal(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, payoutView(p))
}

type depositQuery struct {
	Chain   string `form:"chain"`
	Address string `form:"address"`
	State   string `form:"state"`
	Limit   int    `form:"limit"`
	Offset  int    `form:"offset"`
}

func (s *Server) listDeposits(c *gin.Context) {
	var q depositQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		s.badRequest(c, "deposits.list", err)
		return
	}
	deposits, err := s.backend.ListDeposits(db.DepositFilter{
		Chain: q.Chain, Address: q.Address, State: q.State, Limit: q.Limit, Offset: q.Offset,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]gin.H, 0, len(deposits))
	for i := range deposits {
		out = append(out, depositView(&deposits[i]))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getDeposit(c *gin.Context) {
	id, ok := s.idParam(c, "deposits.get")
	if !ok {
		return
	}
	deposit, err := s.backend.GetDeposit(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, depositView(deposit))
}

type setPinRequest struct {
	Pin string `json:"pin" binding:"required"`
}

func (s *Server) setPin(c *gin.Context) {
	var req setPinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "security.setPin", err)
		return
	}
	if err := s.backend.SetPin(c.Request.Context(), principal(c), req.Pin); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type changePinRequest struct {
	Old string `json:"old" binding:"required"`
	New string `json:"new" binding:"required"`
}

func (s *Server) changePin(c *gin.Context) {
	var req changePinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "security.changePin", err)
		return
	}
	if err := s.backend.ChangePin(c.Request.Context(), principal(c), req.Old, req.New); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type eventQuery struct {
	UserId string `form:"user_id"`
	Action string `form:"action"`
	Limit  int    `form:"limit"`
}

func (s *Server) securityEvents(c *gin.Context) {
	var q eventQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		s.badRequest(c, "security.events", err)
		return
	}
	evts, err := s.backend.SecurityEvents(db.SecurityEventFilter{UserId: q.UserId, Action: q.Action, Limit: q.Limit})
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]gin.H, 0, len(evts))
	for i := range evts {
		out = append(out, securityEventView(&evts[i]))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) deadLetters(c *gin.Context) {
	letters, err := s.backend.DeadLetters()
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]gin.H, 0, len(letters))
	for i := range letters {
		out = append(out, deadLetterView(&letters[i]))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) requeueDeadLetter(c *gin.Context) {
	id, ok := s.idParam(c, "deadletters.requeue")
	if !ok {
		return
	}
	letter, err := s.backend.RequeueDeadLetter(c.Request.Context(), principal(c), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, deadLetterView(letter))
}
