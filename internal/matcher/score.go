// Package matcher scores fingerprint similarity and finds the closest
// earlier post in an in-memory index of the corpus.
package matcher

import (
	"math"

	"plagiarism_monitor/internal/fingerprint"
	"plagiarism_monitor/internal/model"
)

// Risk thresholds on the overall score.
const (
	HighRisk   = 0.80
	MediumRisk = 0.60
)

// Weights are the channel weights of the overall score.
type Weights struct {
	Text  float64
	Image float64
}

// DefaultWeights favours text, which is the more reliable channel.
var DefaultWeights = Weights{Text: 0.6, Image: 0.4}

// Channels selects which channels take part in a comparison.
type Channels struct {
	Text   bool
	Images bool
}

// AllChannels enables every channel.
var AllChannels = Channels{Text: true, Images: true}

// ChannelsFor returns the channels enabled for a group.
func ChannelsFor(g model.Group) Channels {
	return Channels{Text: g.CheckText, Images: g.CheckImages}
}

// Scores holds per-channel similarity. A channel is present only when both
// fingerprints carry it.
type Scores struct {
	Text     float64
	Image    float64
	HasText  bool
	HasImage bool
}

// Compare scores two fingerprints channel by channel.
func Compare(a, b model.Fingerprint) Scores {
	var s Scores
	if len(a.Text) > 0 && len(a.Text) == len(b.Text) {
		s.Text, s.HasText = TextSimilarity(a.Text, b.Text), true
	}
	if len(a.Images) > 0 && len(b.Images) > 0 {
		s.Image, s.HasImage = ImageSimilarity(a.Images, b.Images), true
	}
	return s
}

// TextSimilarity estimates the Jaccard similarity of two MinHash signatures.
func TextSimilarity(a, b []uint64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	eq := 0
	for i := range a {
		if a[i] == b[i] {
			eq++
		}
	}
	return float64(eq) / float64(len(a))
}

// ImageSimilarity is the best pairwise similarity between two image sets.
func ImageSimilarity(a, b []uint64) float64 {
	best := 0.0
	for _, x := range a {
		for _, y := range b {
			if s := fingerprint.HashSimilarity(x, y); s > best {
				best = s
			}
		}
	}
	return best
}

// Combine reduces channel scores to the overall score: the weighted average
// of the channels that are both present and enabled, rounded to four
// decimals. With no usable channel the score is 0.
func Combine(s Scores, ch Channels, w Weights) float64 {
	var sum, weight float64
	if s.HasText && ch.Text {
		sum += w.Text * clamp(s.Text)
		weight += w.Text
	}
	if s.HasImage && ch.Images {
		sum += w.Image * clamp(s.Image)
		weight += w.Image
	}
	if weight == 0 {
		return 0
	}
	return clamp(math.Round(sum/weight*10000) / 10000)
}

// Classify maps an overall score to a risk level.
func Classify(overall float64) model.Risk {
	switch {
	case overall >= HighRisk:
		return model.RiskHigh
	case overall >= MediumRisk:
		return model.RiskMedium
	default:
		return model.RiskLow
	}
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
