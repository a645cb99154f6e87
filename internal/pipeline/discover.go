package pipeline

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/deal-intel/internal/model"
	"github.com/sells-group/deal-intel/internal/store"
)

// Pair is one (contact, deal) unit of analysis for an activity.
type Pair struct {
	Contact *model.Contact
	Deal    *model.Deal
}

// DiscoverPairs resolves the activity's contacts to their deals and returns
// the pairs still owed analysis. Pairs with an existing receipt are filtered
// out; an empty result is a normal outcome, not an error.
//
// Deal resolution per contact: the activity's own deal wins when set;
// otherwise a single open deal, then the most recently updated open deal,
// then the most recently updated closed deal. Contacts with no deal at all
// are skipped.
func DiscoverPairs(ctx context.Context, st store.Store, activity *model.Activity) ([]Pair, error) {
	log := zap.L().With(zap.String("activity", activity.ID))

	var activityDeal *model.Deal
	if activity.DealID != "" {
		d, err := st.GetDeal(ctx, activity.DealID)
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: resolve activity deal %s", activity.DealID)
		}
		if d == nil {
			log.Warn("pipeline: activity references unknown deal", zap.String("deal", activity.DealID))
		}
		activityDeal = d
	}

	dealCache := map[string]*model.Deal{}
	if activityDeal != nil {
		dealCache[activityDeal.ID] = activityDeal
	}

	var pairs []Pair
	for _, contactID := range activity.ContactIDs {
		contact, err := st.GetContact(ctx, contactID)
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: load contact %s", contactID)
		}
		if contact == nil {
			log.Warn("pipeline: activity references unknown contact", zap.String("contact", contactID))
			continue
		}

		deal := activityDeal
		if deal == nil {
			deal, err = resolveDeal(ctx, st, contactID, dealCache)
			if err != nil {
				return nil, err
			}
		}
		if deal == nil {
			log.Debug("pipeline: contact has no deal, skipping", zap.String("contact", contactID))
			continue
		}

		if activity.HasReceipt(contactID, deal.ID) {
			log.Debug("pipeline: pair already processed",
				zap.String("contact", contactID), zap.String("deal", deal.ID))
			continue
		}

		pairs = append(pairs, Pair{Contact: contact, Deal: deal})
	}
	return pairs, nil
}

// resolveDeal picks the contact's deal by precedence. The cache keeps one
// deal instance per ID across contacts so later phases mutate a single copy.
func resolveDeal(ctx context.Context, st store.Store, contactID string, cache map[string]*model.Deal) (*model.Deal, error) {
	deals, err := st.DealsForContact(ctx, contactID)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: deals for contact %s", contactID)
	}
	if len(deals) == 0 {
		return nil, nil
	}

	sort.Slice(deals, func(i, j int) bool {
		return deals[i].UpdatedAt.After(deals[j].UpdatedAt)
	})

	var pick *model.Deal
	for i := range deals {
		if deals[i].IsOpen() {
			pick = &deals[i]
			break
		}
	}
	if pick == nil {
		// All closed: intelligence still accrues against the freshest one.
		pick = &deals[0]
	}

	if cached, ok := cache[pick.ID]; ok {
		return cached, nil
	}
	cache[pick.ID] = pick
	return pick, nil
}
