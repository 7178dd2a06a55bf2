// Package risk inspects token contracts and produces an explainable,
// deterministic risk judgement: a list of findings, a score, and a
// Red/Yellow/Green safety level.
package risk

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/crosnoe/evmsniper/internal/adapter"
	"github.com/crosnoe/evmsniper/internal/chain"
	"github.com/crosnoe/evmsniper/internal/config"
)

// Severity ranks a finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Level is the coarse safety classification.
type Level string

const (
	LevelRed    Level = "red"
	LevelYellow Level = "yellow"
	LevelGreen  Level = "green"
)

// Issue is one finding.
type Issue struct {
	Type        string   `json:"type"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	Details     string   `json:"details,omitempty"`
}

// Analysis is the full result of one analyzer run.
type Analysis struct {
	Token    string `json:"token"`
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`

	Issues []Issue `json:"issues"`

	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`

	RiskScore int   `json:"risk_score"` // 0 clean .. 100 worst
	Safety    Level `json:"safety"`

	SellFeePct   float64 `json:"sell_fee_pct"`  // -1 when unmeasurable
	LiquidityUSD float64 `json:"liquidity_usd"` // -1 when unknown

	AnalyzedAt time.Time `json:"analyzed_at"`
}

func (a *Analysis) add(issue Issue) {
	a.Issues = append(a.Issues, issue)
	switch issue.Severity {
	case SeverityCritical:
		a.Critical++
	case SeverityHigh:
		a.High++
	case SeverityMedium:
		a.Medium++
	case SeverityLow:
		a.Low++
	}
}

// HasCritical reports whether any finding is critical.
func (a *Analysis) HasCritical() bool { return a.Critical > 0 }

// Reader is the chain access the analyzer needs. *adapter.EVMAdapter
// satisfies it.
type Reader interface {
	Config() *chain.Config
	GetCode(ctx context.Context, address string) (string, error)
	GetTokenDetails(ctx context.Context, token string) (*adapter.TokenDetails, error)
	GetTokenBalance(ctx context.Context, token, holder string) (*big.Int, error)
	Call(ctx context.Context, msg chain.CallMsg, block string) (string, error)
	PairFor(ctx context.Context, token string) (string, error)
}

// Scorer is a pluggable extra inspection backend. Its findings merge into
// the analysis and score additively; a failing scorer degrades to an Info
// finding instead of aborting the scan.
type Scorer interface {
	Name() string
	Inspect(ctx context.Context, token string) ([]Issue, error)
}

// Analyzer runs the full inspection for one chain.
type Analyzer struct {
	reader  Reader
	cfg     config.RiskConfig
	scorers []Scorer

	// NativePriceUSD converts pool reserves to USD for liquidity checks.
	// Zero means liquidity depth is reported as unknown.
	NativePriceUSD float64

	// Prov supplies explorer-side facts (source verification, contract age).
	// Nil means no explorer access; the source is then treated as unverified
	// and no age claim is made.
	Prov Provenance

	mu   sync.Mutex
	memo map[string]*Analysis
	ttl  time.Duration

	logger *log.Logger
}

// NewAnalyzer builds an analyzer over a chain reader.
func NewAnalyzer(reader Reader, cfg config.RiskConfig, scorers ...Scorer) *Analyzer {
	ttl := time.Duration(cfg.AnalysisCacheSeconds) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Analyzer{
		reader:  reader,
		cfg:     cfg,
		scorers: scorers,
		memo:    make(map[string]*Analysis),
		ttl:     ttl,
		logger:  log.New(log.Writer(), "[risk] ", log.LstdFlags),
	}
}

// Analyze returns the memoized analysis when fresh, otherwise runs a scan.
func (an *Analyzer) Analyze(ctx context.Context, token string) (*Analysis, error) {
	key := strings.ToLower(token)
	an.mu.Lock()
	if cached, ok := an.memo[key]; ok && time.Since(cached.AnalyzedAt) < an.ttl {
		an.mu.Unlock()
		return cached, nil
	}
	an.mu.Unlock()
	return an.Rescan(ctx, token)
}

// Rescan bypasses the memo and runs a full scan.
func (an *Analyzer) Rescan(ctx context.Context, token string) (*Analysis, error) {
	a, err := an.scan(ctx, token)
	if err != nil {
		return nil, err
	}
	an.mu.Lock()
	an.memo[strings.ToLower(token)] = a
	an.mu.Unlock()
	return a, nil
}

// scan gathers every input and applies the contract rules. Individual
// sub-check failures degrade to Info findings; only total chain
// unreachability aborts.
func (an *Analyzer) scan(ctx context.Context, token string) (*Analysis, error) {
	a := &Analysis{
		Token:        token,
		SellFeePct:   -1,
		LiquidityUSD: -1,
		AnalyzedAt:   time.Now(),
	}

	codeHex, err := an.reader.GetCode(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("fetching bytecode for %s: %w", token, err)
	}
	if codeHex == "" || codeHex == "0x" {
		a.add(Issue{
			Type:        "not_a_contract",
			Severity:    SeverityCritical,
			Description: "address has no contract code",
		})
		an.finish(a)
		return a, nil
	}
	report := scanCode(codeHex)

	if details, err := an.reader.GetTokenDetails(ctx, token); err == nil {
		a.Name = details.Name
		a.Symbol = details.Symbol
		a.Decimals = details.Decimals
	} else {
		a.add(infoIssue("metadata_unavailable", err))
	}

	renounced := an.ownerRenounced(ctx, token, report, a)

	an.applyCodeRules(a, report, renounced)
	an.checkHoneypot(ctx, token, a)
	an.checkFees(ctx, token, report, a)
	pair := an.checkLiquidity(ctx, token, a)
	an.checkHolders(ctx, token, pair, a)
	an.checkProvenance(ctx, token, a)

	for _, s := range an.scorers {
		issues, err := s.Inspect(ctx, token)
		if err != nil {
			a.add(infoIssue("scorer_"+s.Name()+"_unavailable", err))
			continue
		}
		for _, iss := range issues {
			a.add(iss)
		}
	}

	an.finish(a)
	an.logger.Printf("analyzed %s: score=%d safety=%s issues=%d", token, a.RiskScore, a.Safety, len(a.Issues))
	return a, nil
}

// ownerRenounced reads owner(); the zero address means ownership was
// renounced. Missing owner() counts as renounced for the mint rule.
func (an *Analyzer) ownerRenounced(ctx context.Context, token string, report *codeReport, a *Analysis) bool {
	if !report.hasOwner {
		return true
	}
	ret, err := an.reader.Call(ctx, chain.CallMsg{To: token, Data: "0x8da5cb5b"}, "latest")
	if err != nil {
		a.add(infoIssue("owner_read_failed", err))
		return false
	}
	raw := strings.TrimLeft(strings.TrimPrefix(ret, "0x"), "0")
	return raw == ""
}

// applyCodeRules converts the bytecode report into findings.
func (an *Analyzer) applyCodeRules(a *Analysis, r *codeReport, renounced bool) {
	if r.hasMint && !renounced {
		a.add(Issue{
			Type:        "mintable",
			Severity:    SeverityHigh,
			Description: "mint function present and ownership not renounced",
		})
	}
	if r.hasBlacklist {
		a.add(Issue{
			Type:        "blacklist",
			Severity:    SeverityHigh,
			Description: "blacklist function present",
		})
	}
	if r.hasDelegateCall {
		a.add(Issue{
			Type:        "proxy",
			Severity:    SeverityMedium,
			Description: "delegatecall found, contract is likely a proxy",
		})
	}
	if r.hasPauseTrading {
		a.add(Issue{
			Type:        "pause_trading",
			Severity:    SeverityMedium,
			Description: "trading can be paused by the owner",
		})
	}
	if r.hasSelfDestruct {
		a.add(Issue{
			Type:        "self_destruct",
			Severity:    SeverityHigh,
			Description: "contract can self-destruct",
		})
	}
	if r.hasSetApprovalAll {
		a.add(Issue{
			Type:        "approval_for_all",
			Severity:    SeverityMedium,
			Description: "setApprovalForAll present on a fungible token",
		})
	}
}

// checkLiquidity discovers the token's pool and sizes it. Returns the pair
// address for the holder check.
func (an *Analyzer) checkLiquidity(ctx context.Context, token string, a *Analysis) string {
	pair, err := an.reader.PairFor(ctx, token)
	if err != nil {
		a.add(infoIssue("liquidity_check_failed", err))
		return ""
	}
	if pair == "" || isZeroAddress(pair) {
		a.add(Issue{
			Type:        "no_liquidity",
			Severity:    SeverityHigh,
			Description: "no liquidity pool found via factory",
		})
		return ""
	}

	cfg := an.reader.Config()
	reserve, err := an.reader.GetTokenBalance(ctx, cfg.WrappedNative, pair)
	if err != nil {
		a.add(infoIssue("reserve_read_failed", err))
		return pair
	}
	if an.NativePriceUSD <= 0 {
		a.add(Issue{
			Type:        "liquidity_unpriced",
			Severity:    SeverityInfo,
			Description: "no native price available, liquidity depth unknown",
		})
		return pair
	}

	// Both sides of a V2 pool are roughly equal in value.
	native, _ := new(big.Float).Quo(
		new(big.Float).SetInt(reserve),
		big.NewFloat(1e18),
	).Float64()
	a.LiquidityUSD = native * 2 * an.NativePriceUSD

	if a.LiquidityUSD < an.cfg.LiquidityMinUSD {
		a.add(Issue{
			Type:     "thin_liquidity",
			Severity: SeverityHigh,
			Description: fmt.Sprintf("pool liquidity $%.0f below $%.0f minimum",
				a.LiquidityUSD, an.cfg.LiquidityMinUSD),
		})
	}
	return pair
}

// checkHolders flags concentration: the owner or any single non-pool holder
// we can observe with more than the threshold share of supply.
func (an *Analyzer) checkHolders(ctx context.Context, token, pair string, a *Analysis) {
	details, err := an.reader.GetTokenDetails(ctx, token)
	if err != nil || details.TotalSupply == nil || details.TotalSupply.Sign() == 0 {
		a.add(infoIssue("holder_check_unavailable", fmt.Errorf("total supply unknown")))
		return
	}

	ret, err := an.reader.Call(ctx, chain.CallMsg{To: token, Data: "0x8da5cb5b"}, "latest")
	if err != nil {
		return
	}
	raw := strings.TrimPrefix(ret, "0x")
	if len(raw) < 40 {
		return
	}
	owner := "0x" + raw[len(raw)-40:]
	if isZeroAddress(owner) || isBurnAddress(owner) || strings.EqualFold(owner, pair) {
		return
	}

	bal, err := an.reader.GetTokenBalance(ctx, token, owner)
	if err != nil {
		a.add(infoIssue("holder_balance_failed", err))
		return
	}
	pct := pctOf(bal, details.TotalSupply)
	if pct > an.cfg.TopHolderPctThreshold {
		a.add(Issue{
			Type:        "holder_concentration",
			Severity:    SeverityMedium,
			Description: fmt.Sprintf("owner holds %.1f%% of supply", pct),
		})
	}
}

// checkProvenance flags unverified source and contracts younger than a day.
// With no explorer access the source is conservatively treated as unverified.
func (an *Analyzer) checkProvenance(ctx context.Context, token string, a *Analysis) {
	if an.Prov == nil {
		a.add(Issue{
			Type:        "source_unverified",
			Severity:    SeverityLow,
			Description: "no explorer access, source treated as unverified",
		})
		return
	}

	verified, err := an.Prov.IsVerified(ctx, token)
	switch {
	case err != nil:
		a.add(Issue{
			Type:        "source_unverified",
			Severity:    SeverityLow,
			Description: "source verification unavailable, treated as unverified",
			Details:     err.Error(),
		})
	case !verified:
		a.add(Issue{
			Type:        "source_unverified",
			Severity:    SeverityLow,
			Description: "contract source is not verified on the explorer",
		})
	}

	deployed, err := an.Prov.DeployedAt(ctx, token)
	if err != nil {
		a.add(infoIssue("age_check_failed", err))
		return
	}
	if age := time.Since(deployed); age < 24*time.Hour {
		a.add(Issue{
			Type:        "new_contract",
			Severity:    SeverityLow,
			Description: fmt.Sprintf("contract deployed %s ago", age.Round(time.Minute)),
		})
	}
}

// finish scores the findings and classifies. The score accumulates severity
// weights; a higher score means a more dangerous token.
func (an *Analyzer) finish(a *Analysis) {
	score := 30*a.Critical + 15*a.High + 5*a.Medium + 1*a.Low
	if score > 100 {
		score = 100
	}
	a.RiskScore = score

	redFee := an.cfg.SellFeeRedPct
	if redFee <= 0 {
		redFee = 30
	}
	dangerous := false
	for _, iss := range a.Issues {
		if iss.Type == "blacklist" || iss.Type == "mintable" || iss.Type == "pause_trading" {
			dangerous = true
			break
		}
	}

	switch {
	case a.HasCritical(),
		a.SellFeePct > redFee,
		a.RiskScore >= 60,
		dangerous && a.RiskScore >= 30:
		a.Safety = LevelRed
	case a.RiskScore >= 40,
		a.SellFeePct > 5,
		a.LiquidityUSD >= 0 && a.LiquidityUSD < an.cfg.LiquiditySafeUSD:
		a.Safety = LevelYellow
	case a.RiskScore < 40 && a.SellFeePct <= 5 &&
		(a.LiquidityUSD < 0 || a.LiquidityUSD >= an.cfg.LiquiditySafeUSD):
		a.Safety = LevelGreen
	default:
		a.Safety = LevelYellow
	}
}

func infoIssue(typ string, err error) Issue {
	return Issue{
		Type:        typ,
		Severity:    SeverityInfo,
		Description: "sub-check failed, result degraded",
		Details:     err.Error(),
	}
}

func isZeroAddress(addr string) bool {
	raw := strings.TrimPrefix(strings.ToLower(addr), "0x")
	return strings.Trim(raw, "0") == ""
}

func isBurnAddress(addr string) bool {
	return strings.EqualFold(addr, "0x000000000000000000000000000000000000dEaD")
}

func pctOf(part, whole *big.Int) float64 {
	if whole.Sign() == 0 {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(part), new(big.Float).SetInt(whole)).Float64()
	return f * 100
}
