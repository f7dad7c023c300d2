package schema

import "github.com/hyperengineering/crmsync/internal/types"

func integer(name string) Column { return Column{Name: name, Kind: KindInteger} }

func decimal(name string, precision, scale int) Column {
	return Column{Name: name, Kind: KindDecimal, Precision: precision, Scale: scale}
}

func text(name string, maxLength int) Column {
	return Column{Name: name, Kind: KindText, MaxLength: maxLength}
}

func largeText(name string) Column { return Column{Name: name, Kind: KindLargeText} }

// Activity is the built-in layout of ACTIVITY records (tasks).
func Activity() *Map {
	return &Map{
		Key: "id",
		Columns: []Column{
			integer("id"), integer("duration"), integer("status"), integer("type"),
			integer("owner_id"), integer("assigned_to_id"),
			text("name", 500), text("description", 4000), text("remarks", 4000),
			text("url", 500), text("location", 500), text("additional_option", 255),
			text("created", 64), text("modified", 64), text("due_date", 64),
			text("start_datetime", 64), text("end_datetime", 64), text("completed_date", 64),
			text("owner", 255), text("owner_name", 255),
			text("assigned_to", 255), text("assigned_to_name", 255),
			text("status_desc", 255), text("type_desc", 255),
			text("task_type", 255), text("task_stage", 255),
			largeText("deals"), largeText("tags"), largeText("guest_users"),
			largeText("related_companies"), largeText("related_companies_data"),
			largeText("related_companies_names"), largeText("related_contacts"),
			largeText("related_contacts_data"), largeText("related_contacts_names"),
			largeText("related_deals_data"),
		},
	}
}

// Opportunity is the built-in layout of OPPORTUNITY records (deals).
func Opportunity() *Map {
	return &Map{
		Key: "id",
		Columns: []Column{
			integer("id"), integer("probability"), integer("status"), integer("who_can_view"),
			decimal("amount", 15, 2), text("created", 64), text("modified", 64),
			text("expected_closed_date", 64), text("actual_closed_date", 64),
			text("currency", 50), text("contact", 255), text("contact_name", 255),
			text("contact_email", 255), text("contact_phone", 255), text("contact_source", 255),
			text("contact_medium", 255), text("owner", 255), text("owner_name", 255),
			text("owner_picture", 500), text("company", 255), text("name", 500),
			text("source", 255), text("deal_source", 255), text("lost_reason", 500),
			text("remarks", 4000), text("url", 500), text("pipeline", 255),
			text("pipeline_desc", 255), text("pipeline_stage", 255),
			text("pipeline_stage_desc", 255), text("status_desc", 255),
			text("probability_desc", 50), text("amount_user", 255),
			largeText("custom_fields"), largeText("tags"), largeText("products"), largeText("events"),
			largeText("tasks"), largeText("integrations"), largeText("involved_companies"),
			largeText("involved_contacts"), largeText("stages_duration"), largeText("wall_entries"),
		},
	}
}

// ForEntity returns a fresh copy of the built-in map of an entity.
func ForEntity(e types.Entity) (*Map, error) {
	switch e {
	case types.EntityActivity:
		return Activity(), nil
	case types.EntityOpportunity:
		return Opportunity(), nil
	}
	return nil, types.ErrUnknownEntity
}
