// Package party normalizes the backend's unevenly shaped account records
// into one canonical form at the system boundary. Downstream code never
// sees the raw aliases.
package party

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Party is the canonical representation of a buyer or seller.
type Party struct {
	Address     common.Address `json:"address"`
	DisplayName string         `json:"displayName"`
}

// Raw mirrors the shapes the backend emits: the same logical address and
// name can arrive under several optional paths depending on which service
// produced the record.
type Raw struct {
	Address       string `json:"address,omitempty"`
	WalletAddress string `json:"walletAddress,omitempty"`
	Account       *struct {
		Address string `json:"address,omitempty"`
	} `json:"account,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Username    string `json:"username,omitempty"`
	Name        string `json:"name,omitempty"`
}

var ErrNoAddress = errors.New("party has no address under any known field")

// Normalize resolves the first populated address alias and validates it.
func Normalize(raw Raw) (Party, error) {
	addr := firstNonEmpty(raw.Address, raw.WalletAddress)
	if addr == "" && raw.Account != nil {
		addr = raw.Account.Address
	}
	if strings.TrimSpace(addr) == "" {
		return Party{}, ErrNoAddress
	}
	if !common.IsHexAddress(addr) {
		return Party{}, fmt.Errorf("invalid address %q", addr)
	}
	return Party{
		Address:     common.HexToAddress(addr),
		DisplayName: firstNonEmpty(raw.DisplayName, raw.Username, raw.Name),
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
