package items

import (
	"time"

	"github.com/njoerd114/calsync/internal/model"
)

// wireItem is the item service's JSON representation. Time fields are
// pointers because which ones are present depends on the item type.
type wireItem struct {
	ID              string     `json:"id"`
	UserID          string     `json:"userId"`
	Type            string     `json:"type"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	Location        string     `json:"location,omitempty"`
	StartDate       *time.Time `json:"startDate,omitempty"`
	EndDate         *time.Time `json:"endDate,omitempty"`
	ReminderTime    *time.Time `json:"reminderTime,omitempty"`
	DueDate         *time.Time `json:"dueDate,omitempty"`
	ExternalEventID string     `json:"externalEventId,omitempty"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

func (w wireItem) toModel() model.Item {
	typ, err := model.ParseItemType(w.Type)
	if err != nil {
		// Unknown types flow through unsyncable rather than failing a
		// whole listing.
		typ = model.ItemType(w.Type)
	}

	item := model.Item{
		ID:              w.ID,
		UserID:          w.UserID,
		Type:            typ,
		Title:           w.Title,
		Description:     w.Description,
		Location:        w.Location,
		ExternalEventID: w.ExternalEventID,
		UpdatedAt:       w.UpdatedAt,
	}
	if w.StartDate != nil {
		item.StartDate = *w.StartDate
	}
	if w.EndDate != nil {
		item.EndDate = *w.EndDate
	}
	if w.ReminderTime != nil {
		item.ReminderTime = *w.ReminderTime
	}
	if w.DueDate != nil {
		item.DueDate = *w.DueDate
	}
	return item
}

func fromModel(item *model.Item) wireItem {
	w := wireItem{
		ID:              item.ID,
		UserID:          item.UserID,
		Type:            item.Type.String(),
		Title:           item.Title,
		Description:     item.Description,
		Location:        item.Location,
		ExternalEventID: item.ExternalEventID,
		UpdatedAt:       item.UpdatedAt,
	}
	if !item.StartDate.IsZero() {
		t := item.StartDate
		w.StartDate = &t
	}
	if !item.EndDate.IsZero() {
		t := item.EndDate
		w.EndDate = &t
	}
	if !item.ReminderTime.IsZero() {
		t := item.ReminderTime
		w.ReminderTime = &t
	}
	if !item.DueDate.IsZero() {
		t := item.DueDate
		w.DueDate = &t
	}
	return w
}
