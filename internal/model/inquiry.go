package model

import "time"

// InquiryStatus tracks an inquiry through intake. Values beyond "new" are
// derived from extracted-data completeness; "Manually Corrected" and "Error"
// are set by the dashboard mutation and failed processing respectively.
type InquiryStatus string

const (
	InquiryStatusNew               InquiryStatus = "new"
	InquiryStatusIncomplete        InquiryStatus = "Incomplete"
	InquiryStatusComplete          InquiryStatus = "Complete"
	InquiryStatusManuallyCorrected InquiryStatus = "Manually Corrected"
	InquiryStatusError             InquiryStatus = "Error"
)

// Inquiry is the long-lived aggregate for one prospective customer's trip
// request, unified across channels by primary identity.
type Inquiry struct {
	ID              int64         `json:"id"`
	PrimaryIdentity string        `json:"primary_identity"`
	Status          InquiryStatus `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// ExtractionSource labels which extraction path produced a field set.
type ExtractionSource string

const (
	SourceNone     ExtractionSource = "none"
	SourcePattern  ExtractionSource = "pattern"
	SourceLLM      ExtractionSource = "llm"
	SourceCombined ExtractionSource = "combined"
	SourceManual   ExtractionSource = "manual"
)

// ValidationStatus reflects extracted-data completeness.
type ValidationStatus string

const (
	ValidationIncomplete        ValidationStatus = "Incomplete"
	ValidationComplete          ValidationStatus = "Complete"
	ValidationManuallyCorrected ValidationStatus = "Manually Corrected"
)

// Trip field keys used in ExtractedData.Data.
const (
	FieldFirstName       = "first_name"
	FieldLastName        = "last_name"
	FieldTravelStartDate = "travel_start_date"
	FieldTravelEndDate   = "travel_end_date"
	FieldTripCost        = "trip_cost"
	FieldDestination     = "destination"
	FieldTravelers       = "travelers"
	FieldCostPerTraveler = "cost_per_traveler"
	FieldEmail           = "email"
	FieldPhone           = "phone"
)

// EssentialFields returns the fixed field set an inquiry needs before it is
// considered complete. Callers must not mutate the returned slice.
func EssentialFields() []string {
	return []string{
		FieldFirstName,
		FieldLastName,
		FieldTravelStartDate,
		FieldTravelEndDate,
		FieldTripCost,
	}
}

// ExtractedData holds the merged trip fields for exactly one inquiry.
type ExtractedData struct {
	ID               int64             `json:"id"`
	InquiryID        int64             `json:"inquiry_id"`
	Data             map[string]string `json:"data"`
	Source           ExtractionSource  `json:"extraction_source"`
	ValidationStatus ValidationStatus  `json:"validation_status"`
	MissingFields    []string          `json:"missing_fields"`
	UpdatedBy        string            `json:"updated_by,omitempty"`
	UpdatedAt        time.Time         `json:"updated_at"`
}
