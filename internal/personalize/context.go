package personalize

import (
	"strings"

	"github.com/outrevo/planemail-engine/internal/domain"
)

// RenderContext is the data structure exposed to Liquid templates.
type RenderContext map[string]interface{}

// BuildContext creates a render context for one subscriber inside one
// enrollment. Profile fields are top-level; custom fields nest under
// "custom"; engagement data under "engagement"; sequence/step identifiers
// under "sequence".
func BuildContext(sub *domain.Subscriber, enrollment *domain.Enrollment, step *domain.Step) RenderContext {
	rc := make(RenderContext)

	rc["first_name"] = sub.FirstName
	rc["last_name"] = sub.LastName
	rc["email"] = sub.Email
	rc["full_name"] = strings.TrimSpace(sub.FirstName + " " + sub.LastName)

	if parts := strings.Split(sub.Email, "@"); len(parts) == 2 {
		rc["email_local"] = parts[0]
		rc["email_domain"] = parts[1]
	}

	if sub.CustomFields != nil {
		rc["custom"] = sub.CustomFields
	} else {
		rc["custom"] = map[string]interface{}{}
	}

	engagement := map[string]interface{}{
		"score":        sub.EngagementScore,
		"total_opens":  sub.TotalOpens,
		"total_clicks": sub.TotalClicks,
	}
	if sub.LastOpenAt != nil {
		engagement["last_open_at"] = *sub.LastOpenAt
	}
	if sub.LastClickAt != nil {
		engagement["last_click_at"] = *sub.LastClickAt
	}
	rc["engagement"] = engagement

	if enrollment != nil && step != nil {
		rc["sequence"] = map[string]interface{}{
			"id":            enrollment.SequenceID,
			"enrollment_id": enrollment.ID,
			"step_id":       step.ID,
			"step_type":     string(step.Type),
		}
	}

	return rc
}
