// Package graph discovers relationships between starred repositories and
// maintains the stored edge set.
package graph

import (
	"math"
	"sort"

	"github.com/pdybowski/stargazer/pkg/models"
)

const (
	authorWeight     = 1.0
	ecosystemWeight  = 0.6
	collectionWeight = 0.5

	// Language groups outside [2, 50) are either trivial or so broad that
	// membership says nothing about affinity.
	minLanguageGroup = 2
	maxLanguageGroup = 50
	// Large-but-valid groups are capped to the most starred members so the
	// pair count stays quadratic in a small constant.
	languagePairCap = 20

	minSharedTopics = 2
	minTopicJaccard = 0.3
)

// DetectAuthorEdges links repositories sharing an owner, one edge per pair.
func DetectAuthorEdges(repos []*models.Repository) []models.GraphEdge {
	byOwner := make(map[string][]*models.Repository)
	for _, r := range repos {
		byOwner[r.Owner] = append(byOwner[r.Owner], r)
	}

	var edges []models.GraphEdge
	for owner, group := range byOwner {
		if len(group) < 2 {
			continue
		}
		sortByName(group)
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				edges = append(edges, models.GraphEdge{
					Source: group[i].NameWithOwner,
					Target: group[j].NameWithOwner,
					Kind:   models.EdgeKindAuthor,
					Weight: authorWeight,
					Metadata: map[string]any{
						"owner": owner,
					},
				})
			}
		}
	}
	return edges
}

// DetectEcosystemEdges links repositories by shared primary language and by
// topic overlap. Language edges carry a fixed weight; topic edges carry the
// Jaccard coefficient of the two topic sets.
func DetectEcosystemEdges(repos []*models.Repository) []models.GraphEdge {
	edges := detectLanguageEdges(repos)
	seen := make(map[[2]string]bool, len(edges))
	for _, e := range edges {
		seen[[2]string{e.Source, e.Target}] = true
	}

	// Topic edges upgrade a language edge rather than duplicating it when
	// the Jaccard weight is higher.
	for _, e := range detectTopicEdges(repos) {
		key := [2]string{e.Source, e.Target}
		if seen[key] {
			if e.Weight > ecosystemWeight {
				for i := range edges {
					if edges[i].Source == e.Source && edges[i].Target == e.Target {
						edges[i].Weight = e.Weight
						edges[i].Metadata = e.Metadata
						break
					}
				}
			}
			continue
		}
		seen[key] = true
		edges = append(edges, e)
	}
	return edges
}

func detectLanguageEdges(repos []*models.Repository) []models.GraphEdge {
	byLanguage := make(map[string][]*models.Repository)
	for _, r := range repos {
		if !r.PrimaryLanguage.Valid || r.PrimaryLanguage.String == "" {
			continue
		}
		byLanguage[r.PrimaryLanguage.String] = append(byLanguage[r.PrimaryLanguage.String], r)
	}

	var edges []models.GraphEdge
	for language, group := range byLanguage {
		if len(group) < minLanguageGroup || len(group) >= maxLanguageGroup {
			continue
		}
		if len(group) > languagePairCap {
			sort.Slice(group, func(i, j int) bool {
				return group[i].StargazerCount > group[j].StargazerCount
			})
			group = group[:languagePairCap]
		}
		sortByName(group)
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				edges = append(edges, models.GraphEdge{
					Source: group[i].NameWithOwner,
					Target: group[j].NameWithOwner,
					Kind:   models.EdgeKindEcosystem,
					Weight: ecosystemWeight,
					Metadata: map[string]any{
						"language": language,
					},
				})
			}
		}
	}
	return edges
}

func detectTopicEdges(repos []*models.Repository) []models.GraphEdge {
	var withTopics []*models.Repository
	for _, r := range repos {
		if len(r.Topics) >= minSharedTopics {
			withTopics = append(withTopics, r)
		}
	}
	sortByName(withTopics)

	var edges []models.GraphEdge
	for i := 0; i < len(withTopics); i++ {
		a := topicSet(withTopics[i].Topics)
		for j := i + 1; j < len(withTopics); j++ {
			shared, jaccard := topicOverlap(a, withTopics[j].Topics)
			if shared < minSharedTopics || jaccard <= minTopicJaccard {
				continue
			}
			edges = append(edges, models.GraphEdge{
				Source: withTopics[i].NameWithOwner,
				Target: withTopics[j].NameWithOwner,
				Kind:   models.EdgeKindEcosystem,
				Weight: round2(jaccard),
				Metadata: map[string]any{
					"shared_topics": shared,
					"jaccard":       round2(jaccard),
				},
			})
		}
	}
	return edges
}

// DetectCollectionEdges links repositories curated into the same collection.
// Pairs arrive pre-deduplicated with source < target.
func DetectCollectionEdges(pairs [][2]string, live map[string]bool) []models.GraphEdge {
	var edges []models.GraphEdge
	for _, p := range pairs {
		if !live[p[0]] || !live[p[1]] {
			continue
		}
		edges = append(edges, models.GraphEdge{
			Source: p[0],
			Target: p[1],
			Kind:   models.EdgeKindCollection,
			Weight: collectionWeight,
		})
	}
	return edges
}

func topicSet(topics []string) map[string]bool {
	set := make(map[string]bool, len(topics))
	for _, t := range topics {
		set[t] = true
	}
	return set
}

func topicOverlap(a map[string]bool, b []string) (shared int, jaccard float64) {
	bSet := topicSet(b)
	for t := range bSet {
		if a[t] {
			shared++
		}
	}
	union := len(a) + len(bSet) - shared
	if union == 0 {
		return 0, 0
	}
	return shared, float64(shared) / float64(union)
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

func sortByName(repos []*models.Repository) {
	sort.Slice(repos, func(i, j int) bool {
		return repos[i].NameWithOwner < repos[j].NameWithOwner
	})
}
