// Package consensus implements the consensus engine (C7): given several
// agent viewpoints on a proposal, computes an agreement level, detects
// conflicts, and synthesizes a compromise when agreement falls short.
package consensus

import (
	"sort"
	"strings"

	"github.com/opsloop/agentcore/pkg/types"
)

// Config tunes the engine's thresholds.
type Config struct {
	AgreementThreshold         float64
	SupportSimilarityThreshold float64
	ObjectSimilarityThreshold  float64
	ConstitutionalBlocklist    []string
}

// Engine resolves viewpoints into a ConsensusResult using a
// deterministic, no-LLM-required algorithm. The ModelProvider passed to
// New is stored but Resolve does not call it: every result comes from the
// deterministic path, and no LLM-assisted synthesis is performed.
type Engine struct {
	cfg      Config
	provider ModelProvider
}

// New creates an Engine. provider may be nil, in which case a
// NoopModelProvider is used.
func New(cfg Config, provider ModelProvider) *Engine {
	if cfg.SupportSimilarityThreshold == 0 {
		cfg.SupportSimilarityThreshold = 0.6
	}
	if cfg.ObjectSimilarityThreshold == 0 {
		cfg.ObjectSimilarityThreshold = 0.4
	}
	if cfg.AgreementThreshold == 0 {
		cfg.AgreementThreshold = 0.7
	}
	if provider == nil {
		provider = NoopModelProvider{}
	}
	return &Engine{cfg: cfg, provider: provider}
}

// Resolve computes the consensus outcome for proposal given viewpoints.
func (e *Engine) Resolve(proposal string, viewpoints []types.ViewPoint) *types.ConsensusResult {
	if len(viewpoints) == 0 {
		return &types.ConsensusResult{Agreed: false, ConsensusLevel: 0}
	}

	if len(viewpoints) == 1 {
		return e.resolveSingleViewpoint(proposal, viewpoints[0])
	}

	var supporting, objecting, neutral []string
	for i, vp := range viewpoints {
		peerSim := maxSimilarityToOthers(viewpoints, i)
		switch {
		case peerSim > e.cfg.SupportSimilarityThreshold:
			supporting = append(supporting, vp.AgentID)
		case hasOppositionMarker(vp.Position) && peerSim < e.cfg.ObjectSimilarityThreshold:
			objecting = append(objecting, vp.AgentID)
		default:
			neutral = append(neutral, vp.AgentID)
		}
	}

	consensusLevel := float64(len(supporting)) / float64(len(viewpoints))

	result := &types.ConsensusResult{
		ConsensusLevel:            consensusLevel,
		SupportingAgents:          supporting,
		ObjectingAgents:           objecting,
		NeutralAgents:             neutral,
		ConstitutionallyValidated: true,
	}

	if consensusLevel >= e.cfg.AgreementThreshold {
		result.Agreed = true
		result.FinalDecision = proposal
		result.QualityScore = consensusLevel
		return result
	}

	compromises := e.synthesizeCompromises(viewpoints)
	result.CompromisesReached = compromises
	result.Agreed = false

	if len(compromises) > 0 {
		result.FinalDecision = compromises[0].Description
		result.QualityScore = compromises[0].Score
	}

	if e.violatesConstitution(result.FinalDecision) {
		result.ConstitutionallyValidated = false
		result.Agreed = false
	}

	return result
}

// resolveSingleViewpoint handles the one-viewpoint boundary case: there
// are no peers to compare against, so the lone viewpoint is judged
// directly against the proposal text.
func (e *Engine) resolveSingleViewpoint(proposal string, vp types.ViewPoint) *types.ConsensusResult {
	if jaccardSimilarity(vp.Position, proposal) > e.cfg.SupportSimilarityThreshold {
		return &types.ConsensusResult{
			Agreed:                    true,
			ConsensusLevel:            1.0,
			SupportingAgents:          []string{vp.AgentID},
			FinalDecision:             proposal,
			QualityScore:              1.0,
			ConstitutionallyValidated: true,
		}
	}
	return &types.ConsensusResult{
		Agreed:         false,
		ConsensusLevel: 0,
		NeutralAgents:  []string{vp.AgentID},
	}
}

// synthesizeCompromises groups viewpoints by a shared topic keyword
// (the most frequent non-trivial token across all positions), computes
// each group's common-ground word set, and scores the candidates.
func (e *Engine) synthesizeCompromises(viewpoints []types.ViewPoint) []types.Compromise {
	groups := groupByTopic(viewpoints)

	totalWords := 0
	for _, vp := range viewpoints {
		totalWords += len(tokenize(vp.Position))
	}
	if totalWords == 0 {
		totalWords = 1
	}

	var compromises []types.Compromise
	for _, group := range groups {
		if len(group) < 2 {
			continue
		}
		common := pairwiseCommonGround(group)
		if len(common) == 0 {
			continue
		}
		score := float64(len(common)*len(group)) / float64(totalWords)
		compromises = append(compromises, types.Compromise{
			Description: "Compromise around: " + strings.Join(common, ", "),
			CommonWords: common,
			GroupSize:   len(group),
			Score:       score,
		})
	}

	sort.Slice(compromises, func(i, j int) bool { return compromises[i].Score > compromises[j].Score })
	return compromises
}

// groupByTopic buckets viewpoints by the token that occurs most often
// across the whole viewpoint set (ties broken alphabetically), so
// viewpoints discussing the same subject land in the same group for
// common-ground extraction even when they disagree on the verdict.
func groupByTopic(viewpoints []types.ViewPoint) map[string][]types.ViewPoint {
	bags := make([]map[string]struct{}, len(viewpoints))
	globalCount := make(map[string]int)
	for i, vp := range viewpoints {
		bags[i] = tokenize(vp.Position)
		for w := range bags[i] {
			globalCount[w]++
		}
	}

	groups := make(map[string][]types.ViewPoint)
	for i, vp := range viewpoints {
		topic := dominantTopic(bags[i], globalCount)
		groups[topic] = append(groups[topic], vp)
	}
	return groups
}

// dominantTopic picks the token in bag with the highest count in
// globalCount, breaking ties alphabetically.
func dominantTopic(bag map[string]struct{}, globalCount map[string]int) string {
	var best string
	bestCount := -1
	for w := range bag {
		c := globalCount[w]
		if c > bestCount || (c == bestCount && w < best) {
			best = w
			bestCount = c
		}
	}
	return best
}

// pairwiseCommonGround returns the union of ≥3-letter words shared by
// at least two viewpoints in the group.
func pairwiseCommonGround(group []types.ViewPoint) []string {
	counts := make(map[string]int)
	for _, vp := range group {
		seen := make(map[string]bool)
		for w := range tokenize(vp.Position) {
			if len(w) < 3 || seen[w] {
				continue
			}
			seen[w] = true
			counts[w]++
		}
	}

	var common []string
	for w, c := range counts {
		if c >= 2 {
			common = append(common, w)
		}
	}
	sort.Strings(common)
	return common
}

func (e *Engine) violatesConstitution(decision string) bool {
	if decision == "" {
		return false
	}
	lower := strings.ToLower(decision)
	for _, word := range e.cfg.ConstitutionalBlocklist {
		if word == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(word)) {
			return true
		}
	}
	return false
}
