// -----------------------------------------------------------------------------
// ivs-aggregator chaincode (Go, Fabric contract API v2)
// Purpose: Central authorization and lifecycle core for the IVS system.
// Maintains the threshold-decryption committee, the singleton decryption
// policy, the recompute-request pipeline, and references to cross-condition
// aggregated results.
// Role in system: Any party submits recompute requests; the off-ledger compute
// network (privileged MSP) advances them and writes result references. A
// downstream party asks CanDecrypt whether a decrypted value is releasable to
// it out-of-band. Target users of aggregated results are optionally verified
// against the per-condition tracker chaincode over cc2cc.
// Key dependencies: Hyperledger Fabric contractapi/shim; internal/identity for
// the caller account + privileged-MSP gate; internal/ccerr for error kinds.
// -----------------------------------------------------------------------------

/*
aggregator.go — committee registry, decryption policy, recompute pipeline.

Request ids are strictly increasing and never reused: the counter advances only
after the submission validates, so a rejected submission burns no id. Status
moves through PENDING → IN_PROGRESS → {COMPLETED, FAILED} (the direct
PENDING → terminal edge is also legal); terminal states only accept an
idempotent re-apply of themselves. The pending-request view is recomputed from
the per-request records on every query, never persisted as an index.
*/
package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hyperledger/fabric-contract-api-go/v2/contractapi"

	"github.com/ivsnet/ivs_cc/internal/ccerr"
	"github.com/ivsnet/ivs_cc/internal/identity"
)

/* Keys & constants (single namespace for this chaincode) */

const (
	keyMemberPrefix  = "MEM::" // MEM::<account> → CommitteeMember JSON
	keyAggPrefix     = "AGG::" // AGG::<account> → AggregatedIVS JSON
	keyRequestPrefix = "REQ::" // REQ::<%020d id> → RecomputeRequest JSON

	keyCommitteeSize = "COMMSIZE" // decimal committee member count
	keyNextRequestID = "NEXTREQ"  // decimal next request id (starts at 0)
	keyPolicy        = "POLICY"   // singleton DecryptionPolicy JSON
	keyJointKey      = "JPK"      // joint public key CID
	keyParams        = "PARAMS"   // Params JSON
)

const (
	eventMemberAdded        = "MemberAdded"
	eventRecomputeSubmitted = "RecomputeSubmitted"
	eventRecomputeStarted   = "RecomputeStarted"
	eventRecomputeCompleted = "RecomputeCompleted"
	eventRecomputeFailed    = "RecomputeFailed"
	eventAggregatedStored   = "AggregatedIVSStored"
	eventPolicyUpdated      = "PolicyUpdated"
	eventJointKeyUpdated    = "JointPublicKeyUpdated"
	eventParamsUpdated      = "ParamsUpdated"
)

const (
	maxNameLen        = 64
	maxKeyShareLen    = 128
	maxCIDLen         = 128
	maxConditionLen   = 64
	maxConditions     = 16
	maxAggParamsLen   = 256
	maxPolicyAccounts = 16
	maxTargetLen      = 128
)

/* Types & small data models */

// AggregatorContract implements the central IVS authorization core.
//
// Responsibilities:
// - Track committee members holding decryption key shares.
// - Hold the singleton threshold-decryption policy and answer CanDecrypt.
// - Run the recompute-request lifecycle and store aggregated result references.
type AggregatorContract struct{ contractapi.Contract }

// RequestStatus is the closed status set of a recompute request.
type RequestStatus string

const (
	StatusPending    RequestStatus = "PENDING"
	StatusInProgress RequestStatus = "IN_PROGRESS"
	StatusCompleted  RequestStatus = "COMPLETED"
	StatusFailed     RequestStatus = "FAILED"
)

// terminal reports whether no further transition is defined out of s.
func (s RequestStatus) terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CommitteeMember is one holder of a decryption key share (MEM::<account>).
type CommitteeMember struct {
	Account    string `json:"account"`
	Name       string `json:"name"`
	KeyShareID string `json:"keyShareId"`
	IsActive   bool   `json:"isActive"`
	JoinedAt   int64  `json:"joinedAt"`
}

// AggregatedIVS references the encrypted cross-condition combined result for
// an account (AGG::<account>). Last write wins.
type AggregatedIVS struct {
	CID          string   `json:"cid"`
	ConditionIDs []string `json:"conditionIds"`
	ComputedAt   int64    `json:"computedAt"`
	Parameters   string   `json:"parameters,omitempty"`
}

// RecomputeRequest is one ledger-recorded intent to trigger off-ledger
// recomputation (REQ::<id>).
type RecomputeRequest struct {
	RequestID    uint64        `json:"requestId"`
	Requester    string        `json:"requester"`
	TargetUser   string        `json:"targetUser,omitempty"` // empty = all users
	ConditionIDs []string      `json:"conditionIds"`
	RequestedAt  int64         `json:"requestedAt"`
	Status       RequestStatus `json:"status"`
}

// DecryptionPolicy is the singleton authorization rule set (POLICY).
// ExpiresAt is a ledger timestamp in seconds; zero means no expiry.
type DecryptionPolicy struct {
	AuthorizedAccounts []string `json:"authorizedAccounts"`
	Threshold          uint32   `json:"threshold"`
	TotalShares        uint32   `json:"totalShares"`
	ExpiresAt          int64    `json:"expiresAt,omitempty"`
	AuditEnabled       bool     `json:"auditEnabled"`
}

// Params contains the runtime knobs for the aggregator deployment.
type Params struct {
	EmitEvents          bool   `json:"EMIT_EVENTS"`  // default true
	ComputeMSP          string `json:"COMPUTE_MSP"`  // MSP of the compute network
	MaxCommitteeSize    int    `json:"MAX_COMMITTEE_SIZE"`
	TrackerCC           string `json:"TRACKER_CC_NAME"`
	ValidateUserOnStore bool   `json:"VALIDATE_USER_ON_STORE"`
}

/* Small helpers */

// getParams reads the runtime parameters from world state, falling back to the
// in-code defaults when unset or unparsable.
func getParams(ctx contractapi.TransactionContextInterface) (*Params, error) {
	p := &Params{
		EmitEvents:          true,
		ComputeMSP:          "ComputeNetMSP",
		MaxCommitteeSize:    16,
		TrackerCC:           "ivs-tracker",
		ValidateUserOnStore: true,
	}
	if b, err := ctx.GetStub().GetState(keyParams); err == nil && b != nil {
		var on Params
		if json.Unmarshal(b, &on) == nil {
			return &on, nil
		}
	}
	return p, nil
}

// ledgerNow returns the deterministic transaction timestamp in seconds.
func ledgerNow(ctx contractapi.TransactionContextInterface) int64 {
	ts, _ := ctx.GetStub().GetTxTimestamp()
	return ts.GetSeconds()
}

// nowRFC3339 renders the transaction timestamp for event payloads.
func nowRFC3339(ctx contractapi.TransactionContextInterface) string {
	return time.Unix(ledgerNow(ctx), 0).UTC().Format(time.RFC3339)
}

// mustJSON marshals v and ignores errors (used for events and small writes).
func mustJSON(v any) []byte { b, _ := json.Marshal(v); return b }

// requireCompute resolves the caller and rejects anyone outside the configured
// compute-network MSP.
func requireCompute(ctx contractapi.TransactionContextInterface, params *Params) (*identity.Caller, error) {
	caller, err := identity.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	if caller.MSPID != params.ComputeMSP {
		return nil, fmt.Errorf("%w: msp %q is not the compute network", ccerr.ErrUnauthorized, caller.MSPID)
	}
	return caller, nil
}

// requestKey builds the zero-padded world-state key for a request so that a
// lexicographic range scan yields requests in id order.
func requestKey(id uint64) string {
	return fmt.Sprintf("%s%020d", keyRequestPrefix, id)
}

// getRequest loads REQ::<id>, nil when absent.
func getRequest(ctx contractapi.TransactionContextInterface, id uint64) (*RecomputeRequest, error) {
	raw, err := ctx.GetStub().GetState(requestKey(id))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var req RecomputeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("request json for %d: %w", id, err)
	}
	return &req, nil
}

// parseConditionIDs validates a JSON array of condition ids against the set
// and per-entry bounds. Runs before any id allocation or write.
func parseConditionIDs(conditionIDsJSON string) ([]string, error) {
	var ids []string
	if err := json.Unmarshal([]byte(conditionIDsJSON), &ids); err != nil {
		return nil, fmt.Errorf("%w: condition ids json: %v", ccerr.ErrInvalidEncoding, err)
	}
	if len(ids) > maxConditions {
		return nil, fmt.Errorf("%w: %d condition ids (max %d)", ccerr.ErrCapacityExceeded, len(ids), maxConditions)
	}
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("%w: empty condition id", ccerr.ErrInvalidEncoding)
		}
		if len(id) > maxConditionLen {
			return nil, fmt.Errorf("%w: condition id exceeds %d bytes", ccerr.ErrInvalidEncoding, maxConditionLen)
		}
	}
	return ids, nil
}

// checkRef validates a content identifier against the shared CID bound.
func checkRef(cid string) error {
	if strings.TrimSpace(cid) == "" {
		return fmt.Errorf("%w: empty content id", ccerr.ErrInvalidEncoding)
	}
	if len(cid) > maxCIDLen {
		return fmt.Errorf("%w: content id exceeds %d bytes", ccerr.ErrInvalidEncoding, maxCIDLen)
	}
	return nil
}

// hasUserViaCC asks the tracker chaincode whether an account is registered.
func hasUserViaCC(ctx contractapi.TransactionContextInterface, trackerCC, account string) (bool, error) {
	args := [][]byte{[]byte("HasUser"), []byte(account)}
	resp := ctx.GetStub().InvokeChaincode(trackerCC, args, "")
	if resp.Status != 200 {
		if len(resp.Message) > 0 {
			return false, fmt.Errorf("cc2cc HasUser failed: %s", resp.Message)
		}
		return false, fmt.Errorf("cc2cc HasUser failed with status %d", resp.Status)
	}
	payload := strings.TrimSpace(string(resp.Payload))
	payload = strings.Trim(payload, `"`)
	ok, _ := strconv.ParseBool(strings.ToLower(payload))
	return ok, nil
}

/* Committee */

// AddCommitteeMember registers a key-share holder. Compute network only.
func (c *AggregatorContract) AddCommitteeMember(ctx contractapi.TransactionContextInterface, account string, name string, keyShareID string) error {
	params, err := getParams(ctx)
	if err != nil {
		return err
	}
	if _, err := requireCompute(ctx, params); err != nil {
		return err
	}
	account = strings.TrimSpace(account)
	if account == "" {
		return fmt.Errorf("%w: empty member account", ccerr.ErrInvalidEncoding)
	}
	if len(name) > maxNameLen {
		return fmt.Errorf("%w: name exceeds %d bytes", ccerr.ErrInvalidEncoding, maxNameLen)
	}
	keyShareID = strings.TrimSpace(keyShareID)
	if keyShareID == "" || len(keyShareID) > maxKeyShareLen {
		return fmt.Errorf("%w: key share id must be 1..%d bytes", ccerr.ErrInvalidEncoding, maxKeyShareLen)
	}

	existing, err := ctx.GetStub().GetState(keyMemberPrefix + account)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%w: committee member %s", ccerr.ErrAlreadyExists, account)
	}

	size, err := c.GetCommitteeSize(ctx)
	if err != nil {
		return err
	}
	if size >= params.MaxCommitteeSize {
		return fmt.Errorf("%w: committee full (max %d)", ccerr.ErrCapacityExceeded, params.MaxCommitteeSize)
	}

	member := &CommitteeMember{
		Account:    account,
		Name:       name,
		KeyShareID: keyShareID,
		IsActive:   true,
		JoinedAt:   ledgerNow(ctx),
	}
	if err := ctx.GetStub().PutState(keyMemberPrefix+account, mustJSON(member)); err != nil {
		return err
	}
	if err := ctx.GetStub().PutState(keyCommitteeSize, []byte(strconv.Itoa(size+1))); err != nil {
		return err
	}

	if params.EmitEvents {
		_ = ctx.GetStub().SetEvent(eventMemberAdded, mustJSON(map[string]string{
			"account": account,
			"name":    name,
			"time":    nowRFC3339(ctx),
		}))
	}
	return nil
}

// GetCommitteeMember returns the stored record for one member.
func (c *AggregatorContract) GetCommitteeMember(ctx contractapi.TransactionContextInterface, account string) (*CommitteeMember, error) {
	raw, err := ctx.GetStub().GetState(keyMemberPrefix + account)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: committee member %s", ccerr.ErrNotFound, account)
	}
	var m CommitteeMember
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// GetCommitteeMembers returns the accounts of all members, in key order.
func (c *AggregatorContract) GetCommitteeMembers(ctx contractapi.TransactionContextInterface) ([]string, error) {
	it, err := ctx.GetStub().GetStateByRange(keyMemberPrefix, keyMemberPrefix+"~")
	if err != nil {
		return nil, err
	}
	defer it.Close()

	out := []string{}
	for it.HasNext() {
		kv, err := it.Next()
		if err != nil {
			return nil, err
		}
		account := strings.TrimPrefix(kv.Key, keyMemberPrefix)
		if account == kv.Key || account == "" {
			continue
		}
		out = append(out, account)
	}
	return out, nil
}

// GetCommitteeSize returns the current member count.
func (c *AggregatorContract) GetCommitteeSize(ctx contractapi.TransactionContextInterface) (int, error) {
	raw, err := ctx.GetStub().GetState(keyCommitteeSize)
	if err != nil {
		return 0, err
	}
	if raw == nil {
		return 0, nil
	}
	n, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, fmt.Errorf("committee size parse: %w", err)
	}
	return n, nil
}

/* Recompute pipeline */

// SubmitRecompute queues a recompute request and returns its id.
//
// Any authenticated party may submit. Validation runs before the id counter
// advances, so a rejected submission never burns an id.
func (c *AggregatorContract) SubmitRecompute(ctx contractapi.TransactionContextInterface, conditionIDsJSON string, targetUser string) (uint64, error) {
	caller, err := identity.Resolve(ctx)
	if err != nil {
		return 0, err
	}
	conditions, err := parseConditionIDs(conditionIDsJSON)
	if err != nil {
		return 0, err
	}
	targetUser = strings.TrimSpace(targetUser)
	if len(targetUser) > maxTargetLen {
		return 0, fmt.Errorf("%w: target user exceeds %d bytes", ccerr.ErrInvalidEncoding, maxTargetLen)
	}

	id, err := c.nextRequestID(ctx)
	if err != nil {
		return 0, err
	}

	req := &RecomputeRequest{
		RequestID:    id,
		Requester:    caller.Account,
		TargetUser:   targetUser,
		ConditionIDs: conditions,
		RequestedAt:  ledgerNow(ctx),
		Status:       StatusPending,
	}
	if err := ctx.GetStub().PutState(requestKey(id), mustJSON(req)); err != nil {
		return 0, err
	}
	if err := ctx.GetStub().PutState(keyNextRequestID, []byte(strconv.FormatUint(id+1, 10))); err != nil {
		return 0, err
	}

	if params, _ := getParams(ctx); params.EmitEvents {
		_ = ctx.GetStub().SetEvent(eventRecomputeSubmitted, mustJSON(map[string]any{
			"requestId":    id,
			"requester":    caller.Account,
			"conditionIds": conditions,
			"time":         nowRFC3339(ctx),
		}))
	}
	return id, nil
}

// nextRequestID reads the id the next accepted submission will take.
func (c *AggregatorContract) nextRequestID(ctx contractapi.TransactionContextInterface) (uint64, error) {
	raw, err := ctx.GetStub().GetState(keyNextRequestID)
	if err != nil {
		return 0, err
	}
	if raw == nil {
		return 0, nil
	}
	id, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("next request id parse: %w", err)
	}
	return id, nil
}

// advanceRequest applies one status transition. Re-applying the current
// terminal status is an idempotent no-op (no write, no event); any other move
// out of a terminal status is rejected. StartRecompute additionally requires
// the PENDING origin.
func (c *AggregatorContract) advanceRequest(ctx contractapi.TransactionContextInterface, id uint64, next RequestStatus, event string) error {
	params, err := getParams(ctx)
	if err != nil {
		return err
	}
	if _, err := requireCompute(ctx, params); err != nil {
		return err
	}

	req, err := getRequest(ctx, id)
	if err != nil {
		return err
	}
	if req == nil {
		return fmt.Errorf("%w: request %d", ccerr.ErrNotFound, id)
	}
	if req.Status == next {
		if next.terminal() {
			return nil
		}
		return fmt.Errorf("%w: request %d already %s", ccerr.ErrAlreadyExists, id, next)
	}
	if req.Status.terminal() {
		return fmt.Errorf("%w: request %d is %s", ccerr.ErrTerminalState, id, req.Status)
	}

	req.Status = next
	if err := ctx.GetStub().PutState(requestKey(id), mustJSON(req)); err != nil {
		return err
	}

	if params.EmitEvents {
		_ = ctx.GetStub().SetEvent(event, mustJSON(map[string]any{
			"requestId": id,
			"time":      nowRFC3339(ctx),
		}))
	}
	return nil
}

// StartRecompute marks a pending request as picked up by the compute network.
func (c *AggregatorContract) StartRecompute(ctx contractapi.TransactionContextInterface, id uint64) error {
	return c.advanceRequest(ctx, id, StatusInProgress, eventRecomputeStarted)
}

// CompleteRecompute marks a request as completed. Compute network only.
// Completing an already-completed request is a harmless no-op.
func (c *AggregatorContract) CompleteRecompute(ctx contractapi.TransactionContextInterface, id uint64) error {
	return c.advanceRequest(ctx, id, StatusCompleted, eventRecomputeCompleted)
}

// FailRecompute marks a request as failed. Compute network only.
func (c *AggregatorContract) FailRecompute(ctx contractapi.TransactionContextInterface, id uint64) error {
	return c.advanceRequest(ctx, id, StatusFailed, eventRecomputeFailed)
}

// GetRecomputeRequest returns the stored record for one request.
func (c *AggregatorContract) GetRecomputeRequest(ctx contractapi.TransactionContextInterface, id uint64) (*RecomputeRequest, error) {
	req, err := getRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, fmt.Errorf("%w: request %d", ccerr.ErrNotFound, id)
	}
	return req, nil
}

// PendingRequests returns the ids currently in PENDING status, in id order.
// The view is recomputed from the per-request records on every call; the
// records stay the single source of truth.
func (c *AggregatorContract) PendingRequests(ctx contractapi.TransactionContextInterface) ([]uint64, error) {
	it, err := ctx.GetStub().GetStateByRange(keyRequestPrefix, keyRequestPrefix+"~")
	if err != nil {
		return nil, err
	}
	defer it.Close()

	out := []uint64{}
	for it.HasNext() {
		kv, err := it.Next()
		if err != nil {
			return nil, err
		}
		var req RecomputeRequest
		if err := json.Unmarshal(kv.Value, &req); err != nil {
			continue
		}
		if req.Status == StatusPending {
			out = append(out, req.RequestID)
		}
	}
	return out, nil
}

/* Aggregation store */

// StoreAggregatedIVS records the encrypted cross-condition combined result for
// a user. Compute network only; last write wins. When ValidateUserOnStore is
// set, the target user must be registered on the tracker chaincode.
func (c *AggregatorContract) StoreAggregatedIVS(ctx contractapi.TransactionContextInterface, user string, cid string, conditionIDsJSON string, parameters string) error {
	params, err := getParams(ctx)
	if err != nil {
		return err
	}
	if _, err := requireCompute(ctx, params); err != nil {
		return err
	}
	user = strings.TrimSpace(user)
	if user == "" {
		return fmt.Errorf("%w: empty user account", ccerr.ErrInvalidEncoding)
	}
	if err := checkRef(cid); err != nil {
		return err
	}
	conditions, err := parseConditionIDs(conditionIDsJSON)
	if err != nil {
		return err
	}
	if len(parameters) > maxAggParamsLen {
		return fmt.Errorf("%w: parameters exceed %d bytes", ccerr.ErrInvalidEncoding, maxAggParamsLen)
	}

	if params.ValidateUserOnStore {
		ok, err := hasUserViaCC(ctx, params.TrackerCC, user)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: user %s not registered on %s", ccerr.ErrNotFound, user, params.TrackerCC)
		}
	}

	rec := &AggregatedIVS{
		CID:          cid,
		ConditionIDs: conditions,
		ComputedAt:   ledgerNow(ctx),
		Parameters:   parameters,
	}
	if err := ctx.GetStub().PutState(keyAggPrefix+user, mustJSON(rec)); err != nil {
		return err
	}

	if params.EmitEvents {
		_ = ctx.GetStub().SetEvent(eventAggregatedStored, mustJSON(map[string]any{
			"account":      user,
			"cid":          cid,
			"conditionIds": conditions,
			"time":         nowRFC3339(ctx),
		}))
	}
	return nil
}

// GetAggregatedIVS returns the current aggregated result reference for a user.
func (c *AggregatorContract) GetAggregatedIVS(ctx contractapi.TransactionContextInterface, user string) (*AggregatedIVS, error) {
	raw, err := ctx.GetStub().GetState(keyAggPrefix + user)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: aggregated result for %s", ccerr.ErrNotFound, user)
	}
	var rec AggregatedIVS
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

/* Decryption policy */

// SetDecryptionPolicy replaces the singleton policy atomically.
//
// Unlike the permissive original, an inconsistent policy is rejected outright:
// threshold and totalShares must be positive and threshold ≤ totalShares.
func (c *AggregatorContract) SetDecryptionPolicy(ctx contractapi.TransactionContextInterface, authorizedJSON string, threshold uint32, totalShares uint32, expiresAt int64) error {
	params, err := getParams(ctx)
	if err != nil {
		return err
	}
	if _, err := requireCompute(ctx, params); err != nil {
		return err
	}

	var accounts []string
	if err := json.Unmarshal([]byte(authorizedJSON), &accounts); err != nil {
		return fmt.Errorf("%w: authorized accounts json: %v", ccerr.ErrInvalidEncoding, err)
	}
	if len(accounts) > maxPolicyAccounts {
		return fmt.Errorf("%w: %d authorized accounts (max %d)", ccerr.ErrCapacityExceeded, len(accounts), maxPolicyAccounts)
	}
	for _, a := range accounts {
		if strings.TrimSpace(a) == "" {
			return fmt.Errorf("%w: empty authorized account", ccerr.ErrInvalidEncoding)
		}
	}
	if threshold == 0 || totalShares == 0 || threshold > totalShares {
		return fmt.Errorf("%w: threshold %d inconsistent with total shares %d", ccerr.ErrInvalidEncoding, threshold, totalShares)
	}
	if expiresAt < 0 {
		return fmt.Errorf("%w: negative expiry", ccerr.ErrInvalidEncoding)
	}

	policy := &DecryptionPolicy{
		AuthorizedAccounts: accounts,
		Threshold:          threshold,
		TotalShares:        totalShares,
		ExpiresAt:          expiresAt,
		AuditEnabled:       true,
	}
	if err := ctx.GetStub().PutState(keyPolicy, mustJSON(policy)); err != nil {
		return err
	}

	if params.EmitEvents {
		_ = ctx.GetStub().SetEvent(eventPolicyUpdated, mustJSON(map[string]any{
			"threshold":   threshold,
			"totalShares": totalShares,
			"time":        nowRFC3339(ctx),
		}))
	}
	return nil
}

// GetDecryptionPolicy returns the current policy.
func (c *AggregatorContract) GetDecryptionPolicy(ctx contractapi.TransactionContextInterface) (*DecryptionPolicy, error) {
	raw, err := ctx.GetStub().GetState(keyPolicy)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: decryption policy", ccerr.ErrNotFound)
	}
	var p DecryptionPolicy
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// CanDecrypt reports whether requester may be told the decrypted result for
// user is releasable. Pure query: a policy must exist, must not be expired
// against the ledger clock, and must list the requester. Expiry surfaces as a
// false answer, not an error. The user argument is carried for the interface;
// the current policy model authorizes per requester, not per target.
func (c *AggregatorContract) CanDecrypt(ctx contractapi.TransactionContextInterface, requester string, user string) (bool, error) {
	raw, err := ctx.GetStub().GetState(keyPolicy)
	if err != nil {
		return false, err
	}
	if raw == nil {
		return false, nil
	}
	var policy DecryptionPolicy
	if err := json.Unmarshal(raw, &policy); err != nil {
		return false, err
	}
	if policy.ExpiresAt != 0 && ledgerNow(ctx) > policy.ExpiresAt {
		return false, nil
	}
	for _, a := range policy.AuthorizedAccounts {
		if a == requester {
			return true, nil
		}
	}
	return false, nil
}

/* Deployment metadata */

// UpdateJointPublicKey records the CID of the joint public key material.
func (c *AggregatorContract) UpdateJointPublicKey(ctx contractapi.TransactionContextInterface, cid string) error {
	params, err := getParams(ctx)
	if err != nil {
		return err
	}
	if _, err := requireCompute(ctx, params); err != nil {
		return err
	}
	if err := checkRef(cid); err != nil {
		return err
	}
	if err := ctx.GetStub().PutState(keyJointKey, []byte(cid)); err != nil {
		return err
	}
	if params.EmitEvents {
		_ = ctx.GetStub().SetEvent(eventJointKeyUpdated, mustJSON(map[string]string{
			"cid":  cid,
			"time": nowRFC3339(ctx),
		}))
	}
	return nil
}

// GetJointPublicKey returns the stored joint public key CID ("" if unset).
func (c *AggregatorContract) GetJointPublicKey(ctx contractapi.TransactionContextInterface) (string, error) {
	raw, err := ctx.GetStub().GetState(keyJointKey)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// SetParams merges runtime parameter updates into world state.
func (c *AggregatorContract) SetParams(ctx contractapi.TransactionContextInterface, paramsJSON string) error {
	cur, err := getParams(ctx)
	if err != nil {
		return err
	}
	if _, err := requireCompute(ctx, cur); err != nil {
		return err
	}

	jsCur, _ := json.Marshal(cur)
	var merged map[string]any
	_ = json.Unmarshal(jsCur, &merged)

	var upd map[string]any
	if err := json.Unmarshal([]byte(paramsJSON), &upd); err != nil {
		return fmt.Errorf("%w: bad params json: %v", ccerr.ErrInvalidEncoding, err)
	}
	for k, v := range upd {
		merged[k] = v
	}

	js, _ := json.Marshal(merged)
	if err := ctx.GetStub().PutState(keyParams, js); err != nil {
		return err
	}

	if params, _ := getParams(ctx); params.EmitEvents {
		keys := make([]string, 0, len(upd))
		for k := range upd {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		_ = ctx.GetStub().SetEvent(eventParamsUpdated, mustJSON(map[string]any{
			"keys": keys,
			"time": nowRFC3339(ctx),
		}))
	}
	return nil
}

// GetParams reads back the stored runtime parameters.
func (c *AggregatorContract) GetParams(ctx contractapi.TransactionContextInterface) (*Params, error) {
	return getParams(ctx)
}

/* Health */

// Ping is a simple health check used by deployment tooling and test harnesses.
func (c *AggregatorContract) Ping(ctx contractapi.TransactionContextInterface) (string, error) {
	return "OK:" + ctx.GetStub().GetTxID(), nil
}

func main() {
	cc, err := contractapi.NewChaincode(new(AggregatorContract))
	if err != nil {
		panic(err)
	}
	if err := cc.Start(); err != nil {
		panic(err)
	}
}
