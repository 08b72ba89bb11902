package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"

	"github.com/blocksense-network/blocksense-sub000/internal/chain"
	"github.com/blocksense-network/blocksense-sub000/internal/feeds"
)

// feedFile mirrors feeds.Feed's JSON representation on disk.
type feedFile struct {
	ID                     string   `json:"id"`
	Name                   string   `json:"name"`
	ValueType              string   `json:"value_type"`
	Decimals               uint8    `json:"decimals"`
	Stride                 uint8    `json:"stride"`
	Aggregator             string   `json:"aggregator"`
	QuorumPercentage       float64  `json:"quorum_percentage"`
	ReportIntervalMS       int64    `json:"report_interval_ms"`
	FirstSlotStartMS       int64    `json:"first_slot_start_ms"`
	HeartbeatMS            *int64   `json:"heartbeat_ms,omitempty"`
	DeviationPercentage    *float64 `json:"deviation_percentage,omitempty"`
	PegToValue             *float64 `json:"peg_to_value,omitempty"`
	PegTolerancePercentage *float64 `json:"peg_tolerance_percentage,omitempty"`
	OneShot                bool     `json:"one_shot,omitempty"`
	Script                 string   `json:"script,omitempty"`
	SchemaID               string   `json:"schema_id,omitempty"`
}

// LoadFeeds reads the JSON feed-registry file referenced by
// Config.FeedsConfigPath and registers every entry.
func LoadFeeds(path string) (*feeds.Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading feeds config %s: %w", path, err)
	}

	var entries []feedFile
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing feeds config %s: %w", path, err)
	}

	registry := feeds.NewRegistry()
	for _, e := range entries {
		rawID, err := hex.DecodeString(e.ID)
		if err != nil || len(rawID) != 16 {
			return nil, fmt.Errorf("feed %q: invalid id %q", e.Name, e.ID)
		}
		var id feeds.ID
		copy(id[:], rawID)

		valueType, err := parseValueType(e.ValueType)
		if err != nil {
			return nil, fmt.Errorf("feed %q: %w", e.Name, err)
		}
		aggregator, err := feeds.ParseAggregatorKind(e.Aggregator)
		if err != nil {
			return nil, fmt.Errorf("feed %q: %w", e.Name, err)
		}

		registry.Register(&feeds.Feed{
			ID:                     id,
			Name:                   e.Name,
			ValueType:              valueType,
			Decimals:               e.Decimals,
			Stride:                 e.Stride,
			Aggregator:             aggregator,
			QuorumPercentage:       e.QuorumPercentage,
			ReportIntervalMS:       e.ReportIntervalMS,
			FirstSlotStartMS:       e.FirstSlotStartMS,
			HeartbeatMS:            e.HeartbeatMS,
			DeviationPercentage:    e.DeviationPercentage,
			PegToValue:             e.PegToValue,
			PegTolerancePercentage: e.PegTolerancePercentage,
			OneShot:                e.OneShot,
			Script:                 e.Script,
			SchemaID:               e.SchemaID,
		})
	}
	return registry, nil
}

func parseValueType(s string) (feeds.ValueType, error) {
	switch s {
	case "numerical":
		return feeds.ValueTypeNumerical, nil
	case "text":
		return feeds.ValueTypeText, nil
	default:
		return 0, fmt.Errorf("unknown value_type %q", s)
	}
}

// reporterFile mirrors feeds.Reporter's JSON representation on disk.
type reporterFile struct {
	ID            uint64 `json:"id"`
	Name          string `json:"name"`
	PublicKeyHex  string `json:"public_key"`
}

// LoadReporters reads the JSON reporter-registry file referenced by
// Config.ReportersConfigPath.
func LoadReporters(path string) (*feeds.ReportersRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading reporters config %s: %w", path, err)
	}

	var entries []reporterFile
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing reporters config %s: %w", path, err)
	}

	registry := feeds.NewReportersRegistry()
	for _, e := range entries {
		pub, err := hex.DecodeString(e.PublicKeyHex)
		if err != nil {
			return nil, fmt.Errorf("reporter %q: invalid public key: %w", e.Name, err)
		}
		registry.Add(&feeds.Reporter{ID: e.ID, Name: e.Name, PublicKey: pub})
	}
	return registry, nil
}

// providerFile mirrors chain.Config's JSON representation on disk. The
// signer's private key is deliberately not part of this file: it is read
// from a per-network env var (PROVIDER_<NETWORK>_PRIVATE_KEY) by the
// caller, keeping key material out of any file that might be checked in.
type providerFile struct {
	Network                      string   `json:"network"`
	RPCURL                       string   `json:"rpc_url"`
	ContractAddress              string   `json:"contract_address"`
	SafeAddress                  *string  `json:"safe_address,omitempty"`
	AccessControlAddress         string   `json:"access_control_address,omitempty"`
	ContractVersion              string   `json:"contract_version"`
	Family                       string   `json:"family,omitempty"`
	AllowFeeds                   []string `json:"allow_feeds,omitempty"`
	TransactionRetryTimeoutMS    int64    `json:"transaction_retry_timeout_ms,omitempty"`
	TransactionRetriesCountLimit int      `json:"transaction_retries_count_limit,omitempty"`
	RetryFeeIncrementFraction    float64  `json:"retry_fee_increment_fraction,omitempty"`
	Concurrency                  int      `json:"concurrency,omitempty"`
}

// LoadProviders reads the JSON provider-registry file referenced by
// Config.ProvidersConfigPath into one chain.Config per network.
func LoadProviders(path string) (map[chain.Network]chain.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading providers config %s: %w", path, err)
	}

	var entries []providerFile
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing providers config %s: %w", path, err)
	}

	out := make(map[chain.Network]chain.Config, len(entries))
	for _, e := range entries {
		version, err := parseContractVersion(e.ContractVersion)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", e.Network, err)
		}

		var safeAddr *common.Address
		if e.SafeAddress != nil {
			a := common.HexToAddress(*e.SafeAddress)
			safeAddr = &a
		}

		allow := make(map[feeds.ID]bool, len(e.AllowFeeds))
		for _, hexID := range e.AllowFeeds {
			raw, err := hex.DecodeString(hexID)
			if err != nil || len(raw) != 16 {
				return nil, fmt.Errorf("provider %q: invalid allow_feeds entry %q", e.Network, hexID)
			}
			var id feeds.ID
			copy(id[:], raw)
			allow[id] = true
		}

		out[chain.Network(e.Network)] = chain.Config{
			Network:                      chain.Network(e.Network),
			RPCURL:                       e.RPCURL,
			ContractAddress:              common.HexToAddress(e.ContractAddress),
			SafeAddress:                  safeAddr,
			AccessControlAddress:         common.HexToAddress(e.AccessControlAddress),
			ContractVersion:              version,
			Family:                       parseChainFamily(e.Family),
			AllowFeeds:                   allow,
			TransactionRetryTimeout:      e.TransactionRetryTimeoutMS,
			TransactionRetriesCountLimit: e.TransactionRetriesCountLimit,
			RetryFeeIncrementFraction:    e.RetryFeeIncrementFraction,
			Concurrency:                  e.Concurrency,
		}
	}
	return out, nil
}

func parseContractVersion(s string) (chain.ContractVersion, error) {
	switch s {
	case "legacy":
		return chain.ContractVersionLegacy, nil
	case "adfs":
		return chain.ContractVersionADFS, nil
	default:
		return 0, fmt.Errorf("unknown contract_version %q", s)
	}
}

func parseChainFamily(s string) chain.ChainFamily {
	if s == "taraxa" {
		return chain.ChainFamilyTaraxa
	}
	return chain.ChainFamilyStandard
}
