package track17

import (
	"encoding/json"
	"strings"
)

// Carrier codes accepted in the `fc` field of tracking requests.
const (
	CarrierAuto  uint32 = 0 // server-side auto-detect
	CarrierUPS   uint32 = 100001
	CarrierUSPS  uint32 = 100002
	CarrierFedEx uint32 = 100003
	CarrierDHL   uint32 = 100005
)

// TrackingState classifies a shipment's progress from the API's stage and
// sub_status strings.
type TrackingState int

const (
	StateUnknown TrackingState = iota
	StateLabelCreated
	StateInTransit
	StateOutForDelivery
	StateDelivered
	StateDeliveredSigned
	StateException
	StateExceptionDelayed
	StateExceptionHeld
	StateExceptionReturned
	StateExceptionDamaged
	StateAvailableForPickup
	StateExpired
)

// StateFromStage maps a stage or sub_status value to a TrackingState.
// Exact matches win; unrecognized values with a known prefix fall back to the
// prefix family, anything else is unknown.
func StateFromStage(stage string) TrackingState {
	switch stage {
	case "InfoReceived":
		return StateLabelCreated
	case "InTransit":
		return StateInTransit
	case "OutForDelivery":
		return StateOutForDelivery
	case "Delivered", "Delivered_Other":
		return StateDelivered
	case "Delivered_Signed":
		return StateDeliveredSigned
	case "Exception":
		return StateException
	case "Exception_Delayed":
		return StateExceptionDelayed
	case "Exception_Held":
		return StateExceptionHeld
	case "Exception_Returned", "Exception_RTS":
		return StateExceptionReturned
	case "Exception_Damaged":
		return StateExceptionDamaged
	case "AvailableForPickup":
		return StateAvailableForPickup
	case "Expired":
		return StateExpired
	case "Undelivered":
		return StateException
	}
	switch {
	case strings.HasPrefix(stage, "InTransit_"):
		return StateInTransit
	case strings.HasPrefix(stage, "Delivered_"):
		return StateDelivered
	case strings.HasPrefix(stage, "Exception_"):
		return StateException
	}
	return StateUnknown
}

func (s TrackingState) String() string {
	switch s {
	case StateLabelCreated:
		return "LABEL_CREATED"
	case StateInTransit:
		return "IN_TRANSIT"
	case StateOutForDelivery:
		return "OUT_FOR_DELIVERY"
	case StateDelivered:
		return "DELIVERED"
	case StateDeliveredSigned:
		return "DELIVERED_SIGNED"
	case StateException:
		return "EXCEPTION"
	case StateExceptionDelayed:
		return "EXCEPTION_DELAYED"
	case StateExceptionHeld:
		return "EXCEPTION_HELD"
	case StateExceptionReturned:
		return "EXCEPTION_RETURNED"
	case StateExceptionDamaged:
		return "EXCEPTION_DAMAGED"
	case StateAvailableForPickup:
		return "AVAILABLE_FOR_PICKUP"
	case StateExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// TrackingRequest is the JSON body posted to the tracking API.
type TrackingRequest struct {
	Data           []TrackingItem `json:"data"`
	GUID           string         `json:"guid"`
	TimeZoneOffset int            `json:"timeZoneOffset"`
	Sign           string         `json:"sign"`
}

// TrackingItem is one tracking number with its carrier code.
type TrackingItem struct {
	Num string `json:"num"`
	FC  uint32 `json:"fc"`
	SC  uint32 `json:"sc"`
}

// TrackingResponse is the top-level API response.
type TrackingResponse struct {
	ID        uint32     `json:"id"`
	GUID      string     `json:"guid"`
	Shipments []Shipment `json:"shipments"`
	Meta      Meta       `json:"meta"`
}

// Meta carries the API's status code and message.
type Meta struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ShipmentExtra appears on code 400 responses when auto-detect fails but the
// server has carrier suggestions.
type ShipmentExtra struct {
	Multi []uint32 `json:"multi"`
}

// Shipment is one tracking number's result within a response.
type Shipment struct {
	Code             int              `json:"code"`
	Number           string           `json:"number"`
	Carrier          uint32           `json:"carrier"`
	CarrierFinal     *uint32          `json:"carrier_final"`
	Param            json.RawMessage  `json:"param,omitempty"`
	Params           json.RawMessage  `json:"params,omitempty"`
	ParamsV2         []ParamV2        `json:"params_v2,omitempty"`
	Extra            []ShipmentExtra  `json:"extra,omitempty"`
	Details          *ShipmentDetails `json:"shipment"`
	PreStatus        *int             `json:"pre_status,omitempty"`
	PriorStatus      *string          `json:"prior_status,omitempty"`
	State            *string          `json:"state,omitempty"`
	StateFinal       *string          `json:"state_final"`
	ServiceType      *string          `json:"service_type"`
	ServiceTypeFinal *string          `json:"service_type_final"`
	Key              *int             `json:"key,omitempty"`
	ShowMore         bool             `json:"show_more"`
}

// ParamV2 describes an additional input the carrier requires (e.g. a postal
// code for DHL eCommerce numbers).
type ParamV2 struct {
	Key       string            `json:"key"`
	InputType string            `json:"input_type"`
	Example   string            `json:"example"`
	Regex     string            `json:"regex"`
	Options   []json.RawMessage `json:"options"`
}

// ShipmentDetails holds the event data for a resolved shipment.
type ShipmentDetails struct {
	Tracking    *TrackingDetails `json:"tracking"`
	LatestEvent *TrackingEvent   `json:"latest_event"`
}

// TrackingDetails groups per-provider event lists.
type TrackingDetails struct {
	Providers []Provider `json:"providers"`
}

// Provider is one data source's view of the shipment.
type Provider struct {
	Events []TrackingEvent `json:"events"`
}

// TrackingEvent is a single scan or status update.
type TrackingEvent struct {
	Time        *string       `json:"time"`
	TimeISO     *string       `json:"time_iso"`
	TimeUTC     *string       `json:"time_utc"`
	Description *string       `json:"description"`
	Location    *LocationData `json:"location"`
	Stage       *string       `json:"stage"`
	SubStatus   *string       `json:"sub_status"`
}

// LocationData accepts both shapes the API uses for event locations: a plain
// string or a structured object.
type LocationData struct {
	Raw        string
	Structured *LocationDetails
}

// LocationDetails is the structured location shape, with the field-name
// variations seen across carriers.
type LocationDetails struct {
	City          string `json:"city"`
	State         string `json:"state"`
	Country       string `json:"country"`
	CountryCode   string `json:"countryCode"`
	PostalCode    string `json:"postal_code"`
	PostalCodeAlt string `json:"postalCode"`
	ZipCode       string `json:"zip_code"`
	Address       string `json:"address"`
}

func (l *LocationData) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		return json.Unmarshal(data, &l.Raw)
	}
	var details LocationDetails
	if err := json.Unmarshal(data, &details); err != nil {
		return err
	}
	l.Structured = &details
	return nil
}

// State resolves the event's tracking state, preferring stage over sub_status.
func (e *TrackingEvent) State() TrackingState {
	if e.Stage != nil {
		return StateFromStage(*e.Stage)
	}
	if e.SubStatus != nil {
		return StateFromStage(*e.SubStatus)
	}
	return StateUnknown
}

// RawLocation flattens the event location into a display string. Structured
// locations combine city, state and postal code; a bare address is the last
// resort.
func (e *TrackingEvent) RawLocation() string {
	if e.Location == nil {
		return ""
	}
	if e.Location.Raw != "" {
		return e.Location.Raw
	}
	loc := e.Location.Structured
	if loc == nil {
		return ""
	}

	city := loc.City
	state := loc.State
	country := loc.Country
	if country == "" {
		country = loc.CountryCode
	}
	postal := loc.PostalCode
	if postal == "" {
		postal = loc.PostalCodeAlt
	}
	if postal == "" {
		postal = loc.ZipCode
	}

	switch {
	case city != "" && state != "":
		return city + ", " + state
	case city != "" && postal != "":
		return city + " " + postal
	case city != "":
		return city
	case state != "" && postal != "":
		return state + " " + postal
	case state != "":
		return state
	case postal != "" && country != "":
		return country + " " + postal
	case postal != "":
		return postal
	}
	return loc.Address
}

// LocationParts splits a two-token raw location like "US 60455" into its
// country and postal components.
func (e *TrackingEvent) LocationParts() (country, postal string, ok bool) {
	parts := strings.Fields(e.RawLocation())
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// HasEvents reports whether the shipment carries any event data at all.
func (s *Shipment) HasEvents() bool {
	if s.Details == nil {
		return false
	}
	if s.Details.LatestEvent != nil {
		return true
	}
	if s.Details.Tracking == nil {
		return false
	}
	for _, provider := range s.Details.Tracking.Providers {
		if len(provider.Events) > 0 {
			return true
		}
	}
	return false
}
