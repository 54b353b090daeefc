// Package classify assigns each event a complexity domain that gates the
// dispatch policy.
package classify

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ShayCichocki/opsbrain/pkg/models"
)

// chaoticMarkers indicate an active crisis that warrants stabilizing first.
var chaoticMarkers = []string{
	"outage",
	"production down",
	"prod down",
	"site down",
	"data loss",
	"sev1",
	"sev-1",
	"all pods",
	"total failure",
}

// complexMarkers indicate behaviour without a clear cause and effect.
var complexMarkers = []string{
	"intermittent",
	"flaky",
	"sporadic",
	"sometimes",
	"unknown cause",
	"unexplained",
	"randomly",
}

// complicatedMarkers indicate known unknowns that need expert analysis.
var complicatedMarkers = []string{
	"error",
	"exception",
	"crash",
	"regression",
	"failing",
	"failed",
	"broken",
	"bug",
	"panic",
	"fix",
	"implement",
	"add ",
	"feature",
	"upgrade",
	"refactor",
	"test",
}

// Classification is the outcome of classifying an event.
type Classification struct {
	Domain models.Domain
	// Signature is the matching known-fix template, if any.
	Signature string
	// Plan is the signature's prescribed plan, if any.
	Plan *models.DispatchPlan
	// Confidence is how confident the classification is (0.0-1.0).
	Confidence float64
	// Reason explains why this domain was chosen.
	Reason string
	// MatchedKeyword is the marker that triggered the classification.
	MatchedKeyword string
}

// Classifier matches events against the known-fix catalog and marker lists.
type Classifier struct {
	mu         sync.RWMutex
	signatures []Signature
}

// New creates a Classifier loaded with DefaultSignatures.
func New() *Classifier {
	return &Classifier{signatures: append([]Signature(nil), DefaultSignatures...)}
}

// AddSignature validates sig and puts it ahead of the existing catalog.
func (c *Classifier) AddSignature(sig Signature) error {
	if err := sig.Validate(); err != nil {
		return models.NewFault(models.FaultConfiguration, "add signature", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signatures = append([]Signature{sig}, c.signatures...)
	return nil
}

// Signatures returns a copy of the catalog.
func (c *Classifier) Signatures() []Signature {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Signature(nil), c.signatures...)
}

// Classify assigns a domain to the event. Precedence:
//  1. chaotic markers -> Chaotic
//  2. a known-fix signature -> the signature's domain
//  3. complex markers -> Complex
//  4. complicated markers -> Complicated
//  5. otherwise -> Disorder, pending a read-only probe
func (c *Classifier) Classify(event *models.Event) Classification {
	return c.classifyText(strings.ToLower(event.Content), event.Source)
}

// Reclassify runs after a Disorder probe and before any mutating dispatch.
// The probe's findings are classified together with the event. A situation
// that still matches nothing is treated as Complex: novel, but now observed.
func (c *Classifier) Reclassify(event *models.Event, probe models.TurnResult) Classification {
	text := strings.ToLower(event.Content + "\n" + probe.Content)
	result := c.classifyText(text, event.Source)
	if result.Domain == models.DomainDisorder {
		return Classification{
			Domain:     models.DomainComplex,
			Confidence: 0.5,
			Reason:     "no match after probe, treating as novel",
		}
	}
	result.Reason = "after probe: " + result.Reason
	return result
}

func (c *Classifier) classifyText(lower string, source models.Source) Classification {
	if kw := firstMatch(lower, chaoticMarkers); kw != "" {
		plan := models.Single(models.RoleSysadmin, models.ModeRollback)
		return Classification{
			Domain:         models.DomainChaotic,
			Plan:           &plan,
			Confidence:     0.9,
			Reason:         "matched chaotic marker",
			MatchedKeyword: kw,
		}
	}

	c.mu.RLock()
	signatures := c.signatures
	c.mu.RUnlock()
	for _, sig := range signatures {
		if !sig.matches(lower, source) {
			continue
		}
		plan, err := sig.DispatchPlan()
		if err != nil {
			// Validated on load; a bad built-in entry is skipped.
			continue
		}
		return Classification{
			Domain:     sig.Domain,
			Signature:  sig.Name,
			Plan:       plan,
			Confidence: 0.85,
			Reason:     fmt.Sprintf("matched known-fix signature %s", sig.Name),
		}
	}

	if kw := firstMatch(lower, complexMarkers); kw != "" {
		return Classification{
			Domain:         models.DomainComplex,
			Confidence:     0.7,
			Reason:         "matched complex marker",
			MatchedKeyword: kw,
		}
	}
	if kw := firstMatch(lower, complicatedMarkers); kw != "" {
		return Classification{
			Domain:         models.DomainComplicated,
			Confidence:     0.75,
			Reason:         "matched complicated marker",
			MatchedKeyword: kw,
		}
	}

	return Classification{
		Domain:     models.DomainDisorder,
		Confidence: 0.3,
		Reason:     "no signature or marker matched",
	}
}

func firstMatch(lower string, keywords []string) string {
	for _, kw := range keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return kw
		}
	}
	return ""
}
