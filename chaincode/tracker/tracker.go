// -----------------------------------------------------------------------------
// ivs-tracker chaincode (Go, Fabric contract API v2)
// Purpose: Per-condition ledger core for the IVS system. Tracks pseudonymous
// user profiles, a bounded bidirectional contact graph, and content-addressed
// references to off-ledger encrypted artifacts (health status, per-condition
// risk score). One deployment runs per tracked condition.
// Role in system: Write-path records registrations, contact edges, and reference
// overwrites; the off-ledger compute network (privileged MSP) writes score
// references. The central aggregator chaincode queries HasUser over cc2cc.
// Key dependencies: Hyperledger Fabric contractapi; internal/identity for the
// caller account + privileged-MSP gate; internal/ccerr for the error taxonomy.
// -----------------------------------------------------------------------------

/*
tracker.go — registry and encrypted-reference store for one condition.

No cryptographic validation happens here: content ids are opaque, bounded byte
strings naming ciphertexts in an external content-addressed store. Correctness
of the referenced payloads is the compute network's responsibility. Every
mutating function validates its entire input before the first PutState so a
failed transaction stages no partial write.
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
	keyUserPrefix    = "USR::"  // USR::<account> → UserProfile JSON
	keyContactPrefix = "CONT::" // CONT::<account> → []string of contact accounts
	keyHealthPrefix  = "HLTH::" // HLTH::<account> → EncryptedHealthStatus JSON
	keyScorePrefix   = "IVS::"  // IVS::<account> → EncryptedIVS JSON

	keyParams      = "PARAMS"    // Params JSON
	keyConditionID = "CONDID"    // condition id for this deployment
	keyPublicKey   = "JPK"       // current joint-public-key identifier
	keyUserCount   = "USERCOUNT" // decimal count of registered users
)

const (
	eventUserRegistered     = "UserRegistered"
	eventProfileUpdated     = "ProfileUpdated"
	eventContactAdded       = "ContactAdded"
	eventHealthReferenceSet = "HealthReferenceSet"
	eventScoreComputed      = "ScoreComputed"
	eventConditionSet       = "ConditionSet"
	eventPublicKeyUpdated   = "PublicKeyUpdated"
	eventParamsUpdated      = "ParamsUpdated"
)

const (
	maxNameLen        = 64
	maxMetadataLen    = 256
	maxCIDLen         = 128
	maxConditionLen   = 64
	maxScoreParamsLen = 128
	maxKeyIDLen       = 128
)

/* Types & small data models */

// TrackerContract implements the per-condition registry and reference store.
//
// Responsibilities:
// - Maintain one UserProfile per account and a capacity-bounded contact graph.
// - Store the current encrypted health-status and score references per account.
// - Gate score writes and deployment metadata behind the compute-network MSP.
type TrackerContract struct{ contractapi.Contract }

// UserProfile is the public per-account registration record (USR::<account>).
// RegisteredAt is immutable after RegisterUser.
type UserProfile struct {
	Name         string `json:"name"`
	Metadata     string `json:"metadata"`
	RegisteredAt int64  `json:"registeredAt"`
	IsActive     bool   `json:"isActive"`
}

// EncryptedHealthStatus references the caller's current encrypted health
// artifact (HLTH::<account>). Exactly one current record per account; setting
// a new reference replaces the old one.
type EncryptedHealthStatus struct {
	CID               string `json:"cid"`
	ConditionID       string `json:"conditionId"`
	UploadedAt        int64  `json:"uploadedAt"`
	EncryptionVersion uint32 `json:"encryptionVersion"`
	PublicKeyID       string `json:"publicKeyId,omitempty"`
}

// EncryptedIVS references the current per-condition risk score for an account
// (IVS::<account>). Overwritten, never appended.
type EncryptedIVS struct {
	CID        string `json:"cid"`
	ComputedAt int64  `json:"computedAt"`
	Parameters string `json:"parameters,omitempty"`
}

// Params contains the runtime knobs for this deployment.
//
// Values are stored on-chain (PARAMS) and default in code; SetParams merges
// updates so operators can flip one knob without restating the rest.
type Params struct {
	EmitEvents  bool   `json:"EMIT_EVENTS"` // default true
	ComputeMSP  string `json:"COMPUTE_MSP"` // MSP of the off-ledger compute network
	MaxContacts int    `json:"MAX_CONTACTS"`
}

/* Small helpers */

// getParams reads the runtime parameters from world state, falling back to the
// in-code defaults when unset or unparsable.
func getParams(ctx contractapi.TransactionContextInterface) (*Params, error) {
	p := &Params{
		EmitEvents:  true,
		ComputeMSP:  "ComputeNetMSP",
		MaxContacts: 200,
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
// This is the ledger's monotonic clock; wall time never enters a transition.
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
// compute-network MSP. Checked before any mutation on privileged paths.
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

// getProfile loads USR::<account>, nil when absent.
func getProfile(ctx contractapi.TransactionContextInterface, account string) (*UserProfile, error) {
	raw, err := ctx.GetStub().GetState(keyUserPrefix + account)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var p UserProfile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("profile json for %s: %w", account, err)
	}
	return &p, nil
}

// getContacts loads CONT::<account> as a slice; missing key means empty list.
func getContacts(ctx contractapi.TransactionContextInterface, account string) ([]string, error) {
	raw, err := ctx.GetStub().GetState(keyContactPrefix + account)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return []string{}, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("contact list json for %s: %w", account, err)
	}
	return list, nil
}

func contains(list []string, v string) bool {
	for _, e := range list {
		if e == v {
			return true
		}
	}
	return false
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

/* Registry */

// RegisterUser creates the caller's profile. One profile per account; a second
// registration fails and leaves the stored profile untouched.
func (c *TrackerContract) RegisterUser(ctx contractapi.TransactionContextInterface, name string, metadata string) error {
	caller, err := identity.Resolve(ctx)
	if err != nil {
		return err
	}
	if len(name) > maxNameLen {
		return fmt.Errorf("%w: name exceeds %d bytes", ccerr.ErrInvalidEncoding, maxNameLen)
	}
	if len(metadata) > maxMetadataLen {
		return fmt.Errorf("%w: metadata exceeds %d bytes", ccerr.ErrInvalidEncoding, maxMetadataLen)
	}

	existing, err := getProfile(ctx, caller.Account)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%w: user %s", ccerr.ErrAlreadyExists, caller.Account)
	}

	profile := &UserProfile{
		Name:         name,
		Metadata:     metadata,
		RegisteredAt: ledgerNow(ctx),
		IsActive:     true,
	}
	if err := ctx.GetStub().PutState(keyUserPrefix+caller.Account, mustJSON(profile)); err != nil {
		return err
	}

	count, err := c.GetUserCount(ctx)
	if err != nil {
		return err
	}
	if err := ctx.GetStub().PutState(keyUserCount, []byte(strconv.Itoa(count+1))); err != nil {
		return err
	}

	if params, _ := getParams(ctx); params.EmitEvents {
		_ = ctx.GetStub().SetEvent(eventUserRegistered, mustJSON(map[string]string{
			"account": caller.Account,
			"name":    name,
			"time":    nowRFC3339(ctx),
		}))
	}
	return nil
}

// UpdateProfile replaces the caller's metadata in place. Name, registration
// time, and the active flag are preserved.
func (c *TrackerContract) UpdateProfile(ctx contractapi.TransactionContextInterface, metadata string) error {
	caller, err := identity.Resolve(ctx)
	if err != nil {
		return err
	}
	if len(metadata) > maxMetadataLen {
		return fmt.Errorf("%w: metadata exceeds %d bytes", ccerr.ErrInvalidEncoding, maxMetadataLen)
	}

	profile, err := getProfile(ctx, caller.Account)
	if err != nil {
		return err
	}
	if profile == nil {
		return fmt.Errorf("%w: user %s not registered", ccerr.ErrNotFound, caller.Account)
	}

	profile.Metadata = metadata
	if err := ctx.GetStub().PutState(keyUserPrefix+caller.Account, mustJSON(profile)); err != nil {
		return err
	}

	if params, _ := getParams(ctx); params.EmitEvents {
		_ = ctx.GetStub().SetEvent(eventProfileUpdated, mustJSON(map[string]string{
			"account": caller.Account,
			"time":    nowRFC3339(ctx),
		}))
	}
	return nil
}

// AddContact inserts a symmetric edge between the caller and contact.
//
// Both parties must be registered, and the edge lands in both bounded lists in
// the same transition: if either side is full the whole operation fails and
// neither list changes. A self-contact nets a single entry.
func (c *TrackerContract) AddContact(ctx contractapi.TransactionContextInterface, contact string) error {
	caller, err := identity.Resolve(ctx)
	if err != nil {
		return err
	}
	contact = strings.TrimSpace(contact)
	if contact == "" {
		return fmt.Errorf("%w: empty contact account", ccerr.ErrInvalidEncoding)
	}

	callerProfile, err := getProfile(ctx, caller.Account)
	if err != nil {
		return err
	}
	if callerProfile == nil {
		return fmt.Errorf("%w: caller %s not registered", ccerr.ErrNotFound, caller.Account)
	}
	contactProfile, err := getProfile(ctx, contact)
	if err != nil {
		return err
	}
	if contactProfile == nil {
		return fmt.Errorf("%w: contact %s not registered", ccerr.ErrNotFound, contact)
	}

	params, err := getParams(ctx)
	if err != nil {
		return err
	}

	mine, err := getContacts(ctx, caller.Account)
	if err != nil {
		return err
	}
	if contains(mine, contact) {
		return fmt.Errorf("%w: contact %s", ccerr.ErrAlreadyExists, contact)
	}
	if len(mine)+1 > params.MaxContacts {
		return fmt.Errorf("%w: contact list full (max %d)", ccerr.ErrCapacityExceeded, params.MaxContacts)
	}

	// Validate the reverse side before writing anything so a full reverse
	// list cannot leave a half-inserted edge.
	var theirs []string
	writeReverse := contact != caller.Account
	if writeReverse {
		theirs, err = getContacts(ctx, contact)
		if err != nil {
			return err
		}
		if !contains(theirs, caller.Account) && len(theirs)+1 > params.MaxContacts {
			return fmt.Errorf("%w: contact list of %s full (max %d)", ccerr.ErrCapacityExceeded, contact, params.MaxContacts)
		}
	}

	mine = append(mine, contact)
	if err := ctx.GetStub().PutState(keyContactPrefix+caller.Account, mustJSON(mine)); err != nil {
		return err
	}
	if writeReverse && !contains(theirs, caller.Account) {
		theirs = append(theirs, caller.Account)
		if err := ctx.GetStub().PutState(keyContactPrefix+contact, mustJSON(theirs)); err != nil {
			return err
		}
	}

	if params.EmitEvents {
		_ = ctx.GetStub().SetEvent(eventContactAdded, mustJSON(map[string]string{
			"account": caller.Account,
			"contact": contact,
			"time":    nowRFC3339(ctx),
		}))
	}
	return nil
}

/* Reference store */

// SetHealthReference stores the caller's current encrypted health-status
// reference, snapshotting the active public-key id. Overwrites any previous
// record for the caller.
func (c *TrackerContract) SetHealthReference(ctx contractapi.TransactionContextInterface, cid string, conditionID string) error {
	caller, err := identity.Resolve(ctx)
	if err != nil {
		return err
	}
	if err := checkRef(cid); err != nil {
		return err
	}
	conditionID = strings.TrimSpace(conditionID)
	if conditionID == "" {
		return fmt.Errorf("%w: empty condition id", ccerr.ErrInvalidEncoding)
	}
	if len(conditionID) > maxConditionLen {
		return fmt.Errorf("%w: condition id exceeds %d bytes", ccerr.ErrInvalidEncoding, maxConditionLen)
	}

	profile, err := getProfile(ctx, caller.Account)
	if err != nil {
		return err
	}
	if profile == nil {
		return fmt.Errorf("%w: user %s not registered", ccerr.ErrNotFound, caller.Account)
	}

	keyID, err := c.GetPublicKeyID(ctx)
	if err != nil {
		return err
	}
	rec := &EncryptedHealthStatus{
		CID:               cid,
		ConditionID:       conditionID,
		UploadedAt:        ledgerNow(ctx),
		EncryptionVersion: 1,
		PublicKeyID:       keyID,
	}
	if err := ctx.GetStub().PutState(keyHealthPrefix+caller.Account, mustJSON(rec)); err != nil {
		return err
	}

	if params, _ := getParams(ctx); params.EmitEvents {
		_ = ctx.GetStub().SetEvent(eventHealthReferenceSet, mustJSON(map[string]string{
			"account":     caller.Account,
			"cid":         cid,
			"conditionId": conditionID,
			"time":        nowRFC3339(ctx),
		}))
	}
	return nil
}

// SetScoreReference stores the current encrypted risk-score reference for a
// user. Restricted to the compute network; overwrites, never appends. No
// validation of the referenced ciphertext happens here.
func (c *TrackerContract) SetScoreReference(ctx contractapi.TransactionContextInterface, user string, cid string, parameters string) error {
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
	if len(parameters) > maxScoreParamsLen {
		return fmt.Errorf("%w: parameters exceed %d bytes", ccerr.ErrInvalidEncoding, maxScoreParamsLen)
	}

	profile, err := getProfile(ctx, user)
	if err != nil {
		return err
	}
	if profile == nil {
		return fmt.Errorf("%w: user %s not registered", ccerr.ErrNotFound, user)
	}

	rec := &EncryptedIVS{
		CID:        cid,
		ComputedAt: ledgerNow(ctx),
		Parameters: parameters,
	}
	if err := ctx.GetStub().PutState(keyScorePrefix+user, mustJSON(rec)); err != nil {
		return err
	}

	if params.EmitEvents {
		_ = ctx.GetStub().SetEvent(eventScoreComputed, mustJSON(map[string]string{
			"account": user,
			"cid":     cid,
			"time":    nowRFC3339(ctx),
		}))
	}
	return nil
}

/* Deployment metadata */

// SetConditionID records the condition tracked by this deployment.
func (c *TrackerContract) SetConditionID(ctx contractapi.TransactionContextInterface, conditionID string) error {
	params, err := getParams(ctx)
	if err != nil {
		return err
	}
	if _, err := requireCompute(ctx, params); err != nil {
		return err
	}
	conditionID = strings.TrimSpace(conditionID)
	if conditionID == "" || len(conditionID) > maxConditionLen {
		return fmt.Errorf("%w: condition id must be 1..%d bytes", ccerr.ErrInvalidEncoding, maxConditionLen)
	}
	if err := ctx.GetStub().PutState(keyConditionID, []byte(conditionID)); err != nil {
		return err
	}
	if params.EmitEvents {
		_ = ctx.GetStub().SetEvent(eventConditionSet, mustJSON(map[string]string{
			"conditionId": conditionID,
			"time":        nowRFC3339(ctx),
		}))
	}
	return nil
}

// UpdatePublicKey records the joint-public-key identifier that subsequent
// health references are encrypted under.
func (c *TrackerContract) UpdatePublicKey(ctx contractapi.TransactionContextInterface, keyID string) error {
	params, err := getParams(ctx)
	if err != nil {
		return err
	}
	if _, err := requireCompute(ctx, params); err != nil {
		return err
	}
	keyID = strings.TrimSpace(keyID)
	if keyID == "" || len(keyID) > maxKeyIDLen {
		return fmt.Errorf("%w: key id must be 1..%d bytes", ccerr.ErrInvalidEncoding, maxKeyIDLen)
	}
	if err := ctx.GetStub().PutState(keyPublicKey, []byte(keyID)); err != nil {
		return err
	}
	if params.EmitEvents {
		_ = ctx.GetStub().SetEvent(eventPublicKeyUpdated, mustJSON(map[string]string{
			"keyId": keyID,
			"time":  nowRFC3339(ctx),
		}))
	}
	return nil
}

// SetParams merges runtime parameter updates into world state.
func (c *TrackerContract) SetParams(ctx contractapi.TransactionContextInterface, paramsJSON string) error {
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

/* Queries */

// GetProfile returns the stored profile for an account.
func (c *TrackerContract) GetProfile(ctx contractapi.TransactionContextInterface, account string) (*UserProfile, error) {
	profile, err := getProfile(ctx, account)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, fmt.Errorf("%w: user %s", ccerr.ErrNotFound, account)
	}
	return profile, nil
}

// GetContacts returns the contact list for an account (empty when none).
func (c *TrackerContract) GetContacts(ctx contractapi.TransactionContextInterface, account string) ([]string, error) {
	return getContacts(ctx, account)
}

// HasUser reports whether an account is registered. This is the read-only
// cc2cc surface used by the aggregator chaincode.
func (c *TrackerContract) HasUser(ctx contractapi.TransactionContextInterface, account string) (bool, error) {
	profile, err := getProfile(ctx, account)
	if err != nil {
		return false, err
	}
	return profile != nil, nil
}

// GetUserCount returns the number of registered users.
func (c *TrackerContract) GetUserCount(ctx contractapi.TransactionContextInterface) (int, error) {
	raw, err := ctx.GetStub().GetState(keyUserCount)
	if err != nil {
		return 0, err
	}
	if raw == nil {
		return 0, nil
	}
	n, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, fmt.Errorf("user count parse: %w", err)
	}
	return n, nil
}

// GetHealthReference returns the current encrypted health-status reference.
func (c *TrackerContract) GetHealthReference(ctx contractapi.TransactionContextInterface, account string) (*EncryptedHealthStatus, error) {
	raw, err := ctx.GetStub().GetState(keyHealthPrefix + account)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: health reference for %s", ccerr.ErrNotFound, account)
	}
	var rec EncryptedHealthStatus
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetScoreReference returns the current encrypted score reference.
func (c *TrackerContract) GetScoreReference(ctx contractapi.TransactionContextInterface, account string) (*EncryptedIVS, error) {
	raw, err := ctx.GetStub().GetState(keyScorePrefix + account)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: score reference for %s", ccerr.ErrNotFound, account)
	}
	var rec EncryptedIVS
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetConditionID returns the condition tracked by this deployment ("" if unset).
func (c *TrackerContract) GetConditionID(ctx contractapi.TransactionContextInterface) (string, error) {
	raw, err := ctx.GetStub().GetState(keyConditionID)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// GetPublicKeyID returns the current joint-public-key identifier ("" if unset).
func (c *TrackerContract) GetPublicKeyID(ctx contractapi.TransactionContextInterface) (string, error) {
	raw, err := ctx.GetStub().GetState(keyPublicKey)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// GetParams reads back the stored runtime parameters.
func (c *TrackerContract) GetParams(ctx contractapi.TransactionContextInterface) (*Params, error) {
	return getParams(ctx)
}

/* Health */

// Ping is a simple health check used by deployment tooling and test harnesses.
func (c *TrackerContract) Ping(ctx contractapi.TransactionContextInterface) (string, error) {
	return "OK:" + ctx.GetStub().GetTxID(), nil
}

func main() {
	cc, err := contractapi.NewChaincode(new(TrackerContract))
	if err != nil {
		panic(err)
	}
	if err := cc.Start(); err != nil {
		panic(err)
	}
}
