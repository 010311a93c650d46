package reconcile

import (
	"sort"

	"github.com/Ramsey-B/fern/pkg/models"
)

// Build aggregates a cluster into its consolidated view. members may or may not include
// the primary; it is never reported as a secondary.
func Build(primary *models.Contact, members []models.Contact) *models.ConsolidatedContact {
	view := &models.ConsolidatedContact{
		PrimaryContactID:    primary.ID,
		Emails:              []string{},
		PhoneNumbers:        []string{},
		SecondaryContactIDs: []string{},
	}

	seenEmail := map[string]bool{}
	seenPhone := map[string]bool{}
	add := func(c *models.Contact) {
		if e := c.EmailValue(); e != "" && !seenEmail[e] {
			seenEmail[e] = true
			view.Emails = append(view.Emails, e)
		}
		if p := c.PhoneValue(); p != "" && !seenPhone[p] {
			seenPhone[p] = true
			view.PhoneNumbers = append(view.PhoneNumbers, p)
		}
	}

	add(primary)

	ordered := make([]models.Contact, len(members))
	copy(ordered, members)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	for i := range ordered {
		if ordered[i].ID == primary.ID {
			continue
		}
		add(&ordered[i])
		view.SecondaryContactIDs = append(view.SecondaryContactIDs, ordered[i].ID)
	}

	return view
}
