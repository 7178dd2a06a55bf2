package risk

import (
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// selector computes the 4-byte dispatch selector for a function signature.
func selector(signature string) [4]byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	var sel [4]byte
	copy(sel[:], h.Sum(nil)[:4])
	return sel
}

// Selectors a token contract should not quietly carry. Found in PUSH data of
// the dispatch table.
var (
	selMint              = selector("mint(address,uint256)")
	selMintSingle        = selector("mint(uint256)")
	selAddToBlacklist    = selector("addToBlacklist(address)")
	selBlacklist         = selector("blacklist(address)")
	selSetFees           = selector("setFees(uint256,uint256)")
	selSetTaxFee         = selector("setTaxFeePercent(uint256)")
	selPauseTrading      = selector("pauseTrading()")
	selExcludeFromFee    = selector("excludeFromFee(address)")
	selTransferOwnership = selector("transferOwnership(address)")
	selRenounceOwnership = selector("renounceOwnership()")
	selOwner             = selector("owner()")
	selSetApprovalAll    = selector("setApprovalForAll(address,bool)")
)

// codeReport is what static inspection of the bytecode reveals.
type codeReport struct {
	size int

	hasMint              bool
	hasBlacklist         bool
	hasFeeSetter         bool
	hasPauseTrading      bool
	hasExcludeFromFee    bool
	hasTransferOwnership bool
	hasRenounce          bool
	hasOwner             bool
	hasSetApprovalAll    bool
	hasDelegateCall      bool
	hasSelfDestruct      bool
}

// scanCode walks the bytecode once, skipping PUSH immediates as data and
// matching known selectors inside them. Selector constants only ever appear
// in PUSH data, so this avoids the false positives of a raw byte search.
func scanCode(codeHex string) *codeReport {
	if len(codeHex) >= 2 && codeHex[:2] == "0x" {
		codeHex = codeHex[2:]
	}
	code, err := hex.DecodeString(codeHex)
	if err != nil || len(code) == 0 {
		return &codeReport{}
	}

	r := &codeReport{size: len(code)}
	pc := 0
	for pc < len(code) {
		op := code[pc]

		// PUSH1..PUSH32 carry immediates; inspect and skip them.
		if op >= 0x60 && op <= 0x7F {
			n := int(op - 0x5F)
			if pc+1+n <= len(code) {
				data := code[pc+1 : pc+1+n]
				if len(data) >= 4 {
					var sig [4]byte
					copy(sig[:], data)
					r.matchSelector(sig)
				}
			}
			pc += n + 1
			continue
		}

		switch op {
		case 0xF4: // DELEGATECALL
			r.hasDelegateCall = true
		case 0xFF: // SELFDESTRUCT
			r.hasSelfDestruct = true
		}
		pc++
	}
	return r
}

func (r *codeReport) matchSelector(sig [4]byte) {
	switch sig {
	case selMint, selMintSingle:
		r.hasMint = true
	case selAddToBlacklist, selBlacklist:
		r.hasBlacklist = true
	case selSetFees, selSetTaxFee:
		r.hasFeeSetter = true
	case selPauseTrading:
		r.hasPauseTrading = true
	case selExcludeFromFee:
		r.hasExcludeFromFee = true
	case selTransferOwnership:
		r.hasTransferOwnership = true
	case selRenounceOwnership:
		r.hasRenounce = true
	case selOwner:
		r.hasOwner = true
	case selSetApprovalAll:
		r.hasSetApprovalAll = true
	}
}
