package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/advocai/caseflow/internal/domain/model/stage"
	"github.com/advocai/caseflow/internal/domain/werr"
)

// ReviewStage scores the draft letter against the committed analysis
// outputs. It is fully deterministic: the same inputs always produce the
// same scorecard, so review never consults a provider.
type ReviewStage struct{}

// NewReviewStage creates the review stage.
func NewReviewStage() *ReviewStage {
	return &ReviewStage{}
}

func (s *ReviewStage) Name() stage.Name { return stage.Review }

func (s *ReviewStage) ValidateInput(in stage.Input) error {
	var denial stage.StructuredDenial
	if err := priorAs(in, stage.Structuring, &denial); err != nil {
		return err
	}
	var evidence stage.EvidenceList
	if err := priorAs(in, stage.Evidence, &evidence); err != nil {
		return err
	}
	var finding stage.RegulatoryFinding
	if err := priorAs(in, stage.Regulatory, &finding); err != nil {
		return err
	}
	var draft stage.AppealDraft
	return priorAs(in, stage.Draft, &draft)
}

func (s *ReviewStage) Execute(ctx context.Context, in stage.Input) (*stage.Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var denial stage.StructuredDenial
	if err := priorAs(in, stage.Structuring, &denial); err != nil {
		return nil, err
	}
	var evidence stage.EvidenceList
	if err := priorAs(in, stage.Evidence, &evidence); err != nil {
		return nil, err
	}
	var finding stage.RegulatoryFinding
	if err := priorAs(in, stage.Regulatory, &finding); err != nil {
		return nil, err
	}
	var draft stage.AppealDraft
	if err := priorAs(in, stage.Draft, &draft); err != nil {
		return nil, err
	}

	card := scoreDraft(draft.LetterText, denial, evidence, finding)

	payload, err := json.Marshal(card)
	if err != nil {
		return nil, werr.Wrap(werr.CategoryOutputValidation, fmt.Errorf("marshal scorecard: %w", err))
	}

	return &stage.Output{
		Payload: payload,
		RawText: string(payload),
	}, nil
}

func (s *ReviewStage) ValidateOutput(out *stage.Output) error {
	return validateShapedOutput(stage.Review, out)
}

// claimKeywords flag sentences that assert something the evidence record
// must back up.
var claimKeywords = []string{
	"evidence", "clinical", "study", "trial", "research",
	"medically necessary", "medical necessity",
	"denial", "policy", "regulation", "coverage",
	"should be covered", "effective", "beneficial",
	"recommended", "indicated", "supports", "argue",
	"counter", "compliant", "unproven", "experimental",
}

type claimResult struct {
	index    int
	sentence string
	isClaim  bool
	matches  evidenceMatches
	score    int
}

type evidenceMatches struct {
	denial     []string
	clinical   []string
	regulatory []string
}

func (m evidenceMatches) all() []string {
	refs := make([]string, 0, len(m.denial)+len(m.clinical)+len(m.regulatory))
	refs = append(refs, m.denial...)
	refs = append(refs, m.clinical...)
	refs = append(refs, m.regulatory...)
	return refs
}

// scoreDraft produces the deterministic scorecard for a draft letter.
func scoreDraft(letter string, denial stage.StructuredDenial, evidence stage.EvidenceList, finding stage.RegulatoryFinding) stage.Scorecard {
	sentences := splitSentences(letter)

	results := make([]claimResult, 0, len(sentences))
	for i, sentence := range sentences {
		r := claimResult{index: i, sentence: sentence, isClaim: isClaim(sentence)}
		if r.isClaim {
			r.matches = linkEvidence(sentence, denial, evidence, finding)
			r.score = scoreClaim(r.matches)
		}
		results = append(results, r)
	}

	subs := computeSubScores(results)
	issues := detectIssues(results)

	overall := (subs.FactualAccuracy +
		subs.CitationConsistency +
		subs.LogicalAdequacy +
		subs.ToneProfessionalism -
		subs.HallucinationRisk) / 5

	status := stage.StatusNeedsRevision
	if overall >= 85 {
		status = stage.StatusApprove
	}

	return stage.Scorecard{
		OverallScore:       overall,
		Status:             status,
		SubScores:          subs,
		Issues:             issues,
		ConfidenceEstimate: 0.85,
	}
}

// splitSentences breaks the letter into sentences: a boundary is a
// terminator (. ! ?) followed by whitespace and an upper-case letter or
// digit.
func splitSentences(text string) []string {
	if text == "" {
		return nil
	}

	flat := strings.Join(strings.FieldsFunc(text, func(r rune) bool {
		return r == '\r' || r == '\n'
	}), " ")

	runes := []rune(flat)
	var sentences []string
	start := 0
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		j := i + 1
		for j < len(runes) && unicode.IsSpace(runes[j]) {
			j++
		}
		if j == i+1 || j >= len(runes) {
			continue // no whitespace gap, or trailing terminator
		}
		if unicode.IsUpper(runes[j]) || unicode.IsDigit(runes[j]) {
			if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
				sentences = append(sentences, s)
			}
			start = j
			i = j - 1
		}
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

func isClaim(sentence string) bool {
	lower := strings.ToLower(sentence)
	for _, k := range claimKeywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// linkEvidence finds which committed records back a claim sentence.
func linkEvidence(sentence string, denial stage.StructuredDenial, evidence stage.EvidenceList, finding stage.RegulatoryFinding) evidenceMatches {
	s := strings.ToLower(sentence)
	var m evidenceMatches

	for _, chunk := range denial.RawEvidenceChunks {
		if textSimilarity(s, strings.ToLower(chunk)) > 0.35 {
			m.denial = append(m.denial, truncate(chunk, 60))
		}
	}
	if dc := strings.ToLower(denial.DenialCode); dc != "" && strings.Contains(s, dc) {
		m.denial = append(m.denial, "DenialCode:"+dc)
	}
	if snippet := strings.ToLower(denial.InsurerReasonSnippet); snippet != "" {
		words := strings.Fields(snippet)
		if len(words) > 4 {
			words = words[:4]
		}
		for _, w := range words {
			if strings.Contains(s, w) {
				m.denial = append(m.denial, "InsurerReasonSnippet")
				break
			}
		}
	}

	for _, e := range evidence.Entries {
		sourceID := strings.ToLower(e.SourceID)
		combined := strings.ToLower(e.ArticleTitle + " " + e.SummaryOfFinding + " " + e.SourceID)
		ratio := textSimilarity(s, combined)
		if sourceID != "" && strings.Contains(s, sourceID) {
			ratio = 1.0
		}
		if ratio > 0.25 {
			if sourceID == "" {
				sourceID = "unknown"
			}
			m.clinical = append(m.clinical, "SRC:"+sourceID)
		}
	}

	for _, lp := range finding.LegalPoints {
		statute := strings.ToLower(lp.Statute)
		if statute != "" && strings.Contains(s, statute) {
			m.regulatory = append(m.regulatory, statute)
			continue
		}
		if textSimilarity(s, strings.ToLower(lp.Summary)) > 0.22 {
			ref := statute
			if ref == "" {
				ref = "reg_point"
			}
			m.regulatory = append(m.regulatory, ref)
		}
	}

	return m
}

// scoreClaim weights clinical and regulatory backing over denial-document
// backing: restating the denial is cheap, citing support is not.
func scoreClaim(m evidenceMatches) int {
	score := 0
	if len(m.denial) > 0 {
		score += 20
	}
	if len(m.clinical) > 0 {
		score += 40
	}
	if len(m.regulatory) > 0 {
		score += 40
	}
	return score
}

func computeSubScores(results []claimResult) stage.SubScores {
	var claims []claimResult
	for _, r := range results {
		if r.isClaim {
			claims = append(claims, r)
		}
	}

	// A letter with no claims has nothing to get wrong.
	if len(claims) == 0 {
		return stage.SubScores{
			FactualAccuracy:     95,
			CitationConsistency: 95,
			LogicalAdequacy:     95,
			ToneProfessionalism: 90,
			HallucinationRisk:   0,
		}
	}

	supported, unsupported := 0, 0
	for _, c := range claims {
		if c.score >= 30 {
			supported++
		}
		if c.score == 0 {
			unsupported++
		}
	}

	factual := supported * 100 / len(claims)
	hallucRisk := unsupported * 100 / len(claims)

	return stage.SubScores{
		FactualAccuracy:     factual,
		CitationConsistency: factual,
		LogicalAdequacy:     factual,
		ToneProfessionalism: 90,
		HallucinationRisk:   hallucRisk,
	}
}

func detectIssues(results []claimResult) []stage.Issue {
	issues := []stage.Issue{}
	counter := 1

	for _, r := range results {
		if !r.isClaim {
			continue
		}

		if r.score == 0 {
			issues = append(issues, stage.Issue{
				ID:            fmt.Sprintf("ISSUE-%d", counter),
				Severity:      "high",
				SentenceIndex: r.index,
				Description:   fmt.Sprintf("Unsupported claim: %q", r.sentence),
				EvidenceRefs:  []string{},
				SuggestedFix:  "Add supporting clinical or regulatory evidence, or remove the claim.",
			})
			counter++
			continue
		}

		var missing []string
		if len(r.matches.clinical) == 0 {
			missing = append(missing, "clinical evidence")
		}
		if len(r.matches.regulatory) == 0 {
			missing = append(missing, "regulatory evidence")
		}
		if len(missing) > 0 {
			issues = append(issues, stage.Issue{
				ID:            fmt.Sprintf("ISSUE-%d", counter),
				Severity:      "medium",
				SentenceIndex: r.index,
				Description:   "Partially supported claim. Missing: " + strings.Join(missing, ", "),
				EvidenceRefs:  dedupe(r.matches.all()),
				SuggestedFix:  "Strengthen argument by adding missing evidence.",
			})
			counter++
		}
	}

	return issues
}

// textSimilarity is a bigram Dice coefficient over bytes. It stands in for
// a full diff-based ratio; only ordering by threshold matters here, and it
// is deterministic.
func textSimilarity(a, b string) float64 {
	if a == b {
		if a == "" {
			return 0
		}
		return 1
	}
	if len(a) < 2 || len(b) < 2 {
		return 0
	}

	bigrams := make(map[string]int)
	for i := 0; i+2 <= len(a); i++ {
		bigrams[a[i:i+2]]++
	}

	overlap := 0
	for i := 0; i+2 <= len(b); i++ {
		if bigrams[b[i:i+2]] > 0 {
			bigrams[b[i:i+2]]--
			overlap++
		}
	}

	return 2 * float64(overlap) / float64(len(a)+len(b)-2)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
