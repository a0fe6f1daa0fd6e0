package decision

import (
	"context"
	"fmt"

	"github.com/akvistad/attest/internal/models"
)

// resolvedSelection separates explicitly named ids from filter-derived
// ones. Deduplication favors explicit ids so a caller's direct choice
// is never dropped in favor of a predicate match.
type resolvedSelection struct {
	explicit []string
	derived  []string
	seen     map[string]bool
}

// IDs returns the resolved ids, explicit selections first, each id
// once.
func (r *resolvedSelection) IDs() []string {
	ids := make([]string, 0, len(r.explicit)+len(r.derived))
	ids = append(ids, r.explicit...)
	ids = append(ids, r.derived...)
	return ids
}

// resolveSelection expands a selection tree into concrete item ids.
// Filter matches are fetched in bounded chunks so arbitrarily large
// campaigns never materialize in one query.
func (p *Processor) resolveSelection(ctx context.Context, campaignID string, sel models.Selection) (*resolvedSelection, error) {
	resolved := &resolvedSelection{seen: make(map[string]bool)}
	if err := p.resolveInto(ctx, campaignID, sel, resolved); err != nil {
		return nil, err
	}
	return resolved, nil
}

func (p *Processor) resolveInto(ctx context.Context, campaignID string, sel models.Selection, out *resolvedSelection) error {
	for _, id := range sel.ItemIDs {
		if out.seen[id] {
			continue
		}
		out.seen[id] = true
		out.explicit = append(out.explicit, id)
	}

	if sel.Filter != nil {
		excluded := make(map[string]bool, len(sel.Exclusions))
		for _, id := range sel.Exclusions {
			excluded[id] = true
		}

		filter := *sel.Filter
		filter.CampaignID = campaignID

		for offset := 0; ; offset += p.chunkSize {
			ids, err := p.session.Items().FindIDs(ctx, filter, p.chunkSize, offset)
			if err != nil {
				return fmt.Errorf("resolve selection: %w", err)
			}
			for _, id := range ids {
				if excluded[id] || out.seen[id] {
					continue
				}
				out.seen[id] = true
				out.derived = append(out.derived, id)
			}
			if len(ids) < p.chunkSize {
				break
			}
		}
	}

	for _, child := range sel.Children {
		if err := p.resolveInto(ctx, campaignID, child, out); err != nil {
			return err
		}
	}
	return nil
}
