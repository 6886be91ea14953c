package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"BatchSettle/internal/ledger"
	"BatchSettle/internal/model"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// depositBody has no payer: the authenticated caller always pays. Account
// defaults to the caller and may name another account to deposit for.
type depositBody struct {
	Kind    model.BatchKind `json:"kind"`
	Account string          `json:"account,omitempty"`
	Amount  model.Amount    `json:"amount"`
}

type withdrawBody struct {
	Batch   model.BatchID `json:"batch"`
	Account string        `json:"account,omitempty"`
	Amount  model.Amount  `json:"amount"`
}

type claimBody struct {
	Batch   model.BatchID `json:"batch"`
	Account string        `json:"account,omitempty"`
}

type hotSwapBody struct {
	Batches  []model.BatchID `json:"batches"`
	Amounts  []model.Amount  `json:"amounts"`
	FromKind model.BatchKind `json:"from_kind"`
	Account  string          `json:"account,omitempty"`
}

type cooldownBody struct {
	Seconds int64 `json:"seconds"`
}

type thresholdBody struct {
	Threshold model.Amount `json:"threshold"`
}

type shareView struct {
	Account     string        `json:"account"`
	Batch       model.BatchID `json:"batch"`
	Shares      model.Amount  `json:"shares"`
	Entitlement *model.Amount `json:"entitlement,omitempty"`
}

type stakeView struct {
	Account string       `json:"account"`
	Asset   string       `json:"asset"`
	Staked  model.Amount `json:"staked"`
}

type paramsView struct {
	CooldownSeconds int64                            `json:"cooldown_seconds"`
	Thresholds      map[model.BatchKind]model.Amount `json:"thresholds"`
	Paused          bool                             `json:"paused"`
	Assets          model.Assets                     `json:"assets"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func pathKind(w http.ResponseWriter, r *http.Request) (model.BatchKind, bool) {
	kind, err := model.ParseBatchKind(mux.Vars(r)["kind"])
	if err != nil {
		writeError(w, ledger.ErrInvalidKind)
		return 0, false
	}
	return kind, true
}

func pathBatch(w http.ResponseWriter, r *http.Request) (model.BatchID, bool) {
	id, err := model.ParseBatchID(mux.Vars(r)["id"])
	if err != nil {
		badRequest(w, "invalid batch id: "+err.Error())
		return model.BatchID{}, false
	}
	return id, true
}

// ownAccount returns the caller's account. A body naming any other account
// is refused.
func ownAccount(w http.ResponseWriter, r *http.Request, account string) (string, bool) {
	caller := callerFrom(r.Context())
	if account != "" && account != caller {
		writeJSON(w, http.StatusForbidden, errorBody{Error: "account " + account + " is not the caller's", Kind: "forbidden"})
		return "", false
	}
	return caller, true
}

func (c *Controller) HandleParams(w http.ResponseWriter, _ *http.Request) {
	p := c.Ledger.Params()
	writeJSON(w, http.StatusOK, paramsView{
		CooldownSeconds: int64(p.Cooldown / time.Second),
		Thresholds:      p.Thresholds,
		Paused:          p.Paused,
		Assets:          c.Ledger.Assets(),
	})
}

// HandleEvents lists recorded events, newest first.
func (c *Controller) HandleEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			badRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(n, maxEventLimit)
	}
	typ := model.EventType(r.URL.Query().Get("type"))
	events, err := c.Recorder.Recent(r.Context(), typ, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error(), Kind: "internal"})
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (c *Controller) HandleBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := pathBatch(w, r)
	if !ok {
		return
	}
	b, err := c.Ledger.GetBatch(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (c *Controller) HandleCurrentBatch(w http.ResponseWriter, r *http.Request) {
	kind, ok := pathKind(w, r)
	if !ok {
		return
	}
	id, err := c.Ledger.CurrentBatchID(kind)
	if err != nil {
		writeError(w, err)
		return
	}
	b, err := c.Ledger.GetBatch(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (c *Controller) HandleEligibility(w http.ResponseWriter, r *http.Request) {
	kind, ok := pathKind(w, r)
	if !ok {
		return
	}
	e, err := c.Ledger.Eligibility(kind, time.Time{})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (c *Controller) HandleAccountBatches(w http.ResponseWriter, r *http.Request) {
	ids := c.Ledger.AccountBatches(mux.Vars(r)["account"])
	if ids == nil {
		ids = []model.BatchID{}
	}
	writeJSON(w, http.StatusOK, ids)
}

// HandleAccountShare reports the account's shares in a batch and, once the
// batch is claimable, what those shares would pay out.
func (c *Controller) HandleAccountShare(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	id, ok := pathBatch(w, r)
	if !ok {
		return
	}
	shares, err := c.Ledger.AccountShare(account, id)
	if err != nil {
		writeError(w, err)
		return
	}
	view := shareView{Account: account, Batch: id, Shares: shares}
	if ent, err := c.Ledger.Entitlement(account, id); err == nil {
		view.Entitlement = &ent
	}
	writeJSON(w, http.StatusOK, view)
}

func (c *Controller) HandleDeposit(w http.ResponseWriter, r *http.Request) {
	var body depositBody
	if !decode(w, r, &body) {
		return
	}
	payer := callerFrom(r.Context())
	account := body.Account
	if account == "" {
		account = payer
	}
	res, err := c.Ledger.Deposit(r.Context(), ledger.DepositRequest{
		Kind:    body.Kind,
		Account: account,
		Payer:   payer,
		Amount:  body.Amount,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (c *Controller) HandleWithdraw(w http.ResponseWriter, r *http.Request) {
	var body withdrawBody
	if !decode(w, r, &body) {
		return
	}
	account, ok := ownAccount(w, r, body.Account)
	if !ok {
		return
	}
	res, err := c.Ledger.Withdraw(r.Context(), ledger.WithdrawRequest{
		Batch:   body.Batch,
		Account: account,
		Amount:  body.Amount,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (c *Controller) HandleClaim(w http.ResponseWriter, r *http.Request) {
	var body claimBody
	if !decode(w, r, &body) {
		return
	}
	account, ok := ownAccount(w, r, body.Account)
	if !ok {
		return
	}
	res, err := c.Ledger.Claim(r.Context(), ledger.ClaimRequest{Batch: body.Batch, Account: account})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleClaimAndStake claims a mint batch and stakes the payout for the caller.
func (c *Controller) HandleClaimAndStake(w http.ResponseWriter, r *http.Request) {
	var body claimBody
	if !decode(w, r, &body) {
		return
	}
	account, ok := ownAccount(w, r, body.Account)
	if !ok {
		return
	}
	res, err := c.Ledger.ClaimAndStake(r.Context(), ledger.ClaimRequest{Batch: body.Batch, Account: account})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (c *Controller) HandleStake(w http.ResponseWriter, r *http.Request) {
	if c.Stakes == nil {
		writeError(w, ledger.ErrStakingUnavailable)
		return
	}
	account := mux.Vars(r)["account"]
	asset := c.Ledger.Assets().Composite
	staked, err := c.Stakes.StakeOf(r.Context(), asset, account)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error(), Kind: "internal"})
		return
	}
	writeJSON(w, http.StatusOK, stakeView{Account: account, Asset: asset, Staked: staked})
}

func (c *Controller) HandleHotSwap(w http.ResponseWriter, r *http.Request) {
	var body hotSwapBody
	if !decode(w, r, &body) {
		return
	}
	account, ok := ownAccount(w, r, body.Account)
	if !ok {
		return
	}
	res, err := c.Ledger.HotSwap(r.Context(), ledger.HotSwapRequest{
		Batches:  body.Batches,
		Amounts:  body.Amounts,
		FromKind: body.FromKind,
		Account:  account,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (c *Controller) HandleProcess(w http.ResponseWriter, r *http.Request) {
	kind, ok := pathKind(w, r)
	if !ok {
		return
	}
	res, err := c.Ledger.Process(r.Context(), ledger.ProcessRequest{Kind: kind, Caller: callerFrom(r.Context())})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (c *Controller) HandlePause(w http.ResponseWriter, r *http.Request) {
	if err := c.Ledger.Pause(r.Context(), callerFrom(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (c *Controller) HandleUnpause(w http.ResponseWriter, r *http.Request) {
	if err := c.Ledger.Unpause(r.Context(), callerFrom(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (c *Controller) HandleSetCooldown(w http.ResponseWriter, r *http.Request) {
	var body cooldownBody
	if !decode(w, r, &body) {
		return
	}
	cooldown := time.Duration(body.Seconds) * time.Second
	if err := c.Ledger.SetCooldown(r.Context(), callerFrom(r.Context()), cooldown); err != nil {
		writeError(w, err)
		return
	}
	c.HandleParams(w, r)
}

func (c *Controller) HandleSetThreshold(w http.ResponseWriter, r *http.Request) {
	kind, ok := pathKind(w, r)
	if !ok {
		return
	}
	var body thresholdBody
	if !decode(w, r, &body) {
		return
	}
	if err := c.Ledger.SetThreshold(r.Context(), callerFrom(r.Context()), kind, body.Threshold); err != nil {
		writeError(w, err)
		return
	}
	c.HandleParams(w, r)
}
