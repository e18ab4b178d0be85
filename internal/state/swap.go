package state

import (
	"TangleRecon/internal/event"
	"sort"
	"time"
)

type SwapStatus string

const (
	SwapOpen      SwapStatus = "OPEN"
	SwapFulfilled SwapStatus = "FULFILLED"
)

// SwapAssets is a bundle of NFTs, native tokens and base tokens
type SwapAssets struct {
	Nfts            []string            `json:"nfts,omitempty"`
	NativeTokens    []event.NativeToken `json:"nativeTokens,omitempty"`
	BaseTokenAmount uint64              `json:"baseTokenAmount"`
}

func (s SwapAssets) nativeTokenAmount(id string) uint64 {
	var total uint64
	for _, nt := range s.NativeTokens {
		if nt.ID == id {
			total += nt.Amount
		}
	}
	return total
}

func (s *SwapAssets) addNativeToken(id string, amount uint64) {
	for i := range s.NativeTokens {
		if s.NativeTokens[i].ID == id {
			s.NativeTokens[i].Amount += amount
			return
		}
	}
	s.NativeTokens = append(s.NativeTokens, event.NativeToken{ID: id, Amount: amount})
}

func countNfts(ids []string) map[string]int {
	counts := make(map[string]int, len(ids))
	for _, id := range ids {
		counts[id]++
	}
	return counts
}

// Swap exchanges the creator's Bids for the Asks deposited by a counterparty.
// Deposits accumulate in Fulfilled until the asks are met exactly.
type Swap struct {
	ID                 string     `json:"id"`
	Network            string     `json:"network"`
	Address            string     `json:"address"`
	Creator            string     `json:"creator"`
	CreatorAddress     string     `json:"creatorAddress"`
	Bids               SwapAssets `json:"bids"`
	Asks               SwapAssets `json:"asks"`
	Fulfilled          SwapAssets `json:"fulfilled"`
	FulfilledBy        string     `json:"fulfilledBy,omitempty"`
	FulfilledByAddress string     `json:"fulfilledByAddress,omitempty"`
	Payments           []string   `json:"payments,omitempty"`
	Status             SwapStatus `json:"status"`
	FulfilledOn        *time.Time `json:"fulfilledOn,omitempty"`
}

// AcceptEntry adds a deposit to the fulfilled bundle. A deposit carrying an NFT
// or a native token the swap did not ask for, or more of a token than asked, is
// rejected whole so the sender can be credited.
func (s *Swap) AcceptEntry(entry event.LedgerEntry) error {
	if entry.Nft != nil {
		asked := countNfts(s.Asks.Nfts)[entry.Nft.NftID]
		have := countNfts(s.Fulfilled.Nfts)[entry.Nft.NftID]
		if have >= asked {
			return ErrSwapAssetNotAsked
		}
	}
	for _, nt := range entry.NativeTokens {
		asked := s.Asks.nativeTokenAmount(nt.ID)
		if s.Fulfilled.nativeTokenAmount(nt.ID)+entry.NativeTokenAmount(nt.ID) > asked {
			return ErrSwapAssetNotAsked
		}
	}

	if entry.Nft != nil {
		s.Fulfilled.Nfts = append(s.Fulfilled.Nfts, entry.Nft.NftID)
	} else {
		s.Fulfilled.BaseTokenAmount += entry.Amount
	}
	for _, nt := range entry.NativeTokens {
		s.Fulfilled.addNativeToken(nt.ID, nt.Amount)
	}
	return nil
}

// AsksAreFulfilled requires the fulfilled NFTs to equal the asked ones as a
// multiset, each asked native token to be matched exactly, and the base amount
// received outside NFT outputs to reach the asked base amount.
func AsksAreFulfilled(s *Swap) bool {
	if len(s.Fulfilled.Nfts) != len(s.Asks.Nfts) {
		return false
	}
	asked := append([]string{}, s.Asks.Nfts...)
	got := append([]string{}, s.Fulfilled.Nfts...)
	sort.Strings(asked)
	sort.Strings(got)
	for i := range asked {
		if asked[i] != got[i] {
			return false
		}
	}

	for _, nt := range s.Asks.NativeTokens {
		if s.Fulfilled.nativeTokenAmount(nt.ID) != s.Asks.nativeTokenAmount(nt.ID) {
			return false
		}
	}
	for _, nt := range s.Fulfilled.NativeTokens {
		if s.Asks.nativeTokenAmount(nt.ID) == 0 {
			return false
		}
	}

	return s.Fulfilled.BaseTokenAmount >= s.Asks.BaseTokenAmount
}
