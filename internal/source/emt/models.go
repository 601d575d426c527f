package emt

import "encoding/json"

// Code is the upstream status code. The API sends it as a string ("00") but
// error bodies have been seen with numeric codes.
type Code string

func (c *Code) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = Code(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*c = Code(n.String())
	return nil
}

// Envelope is the part shared by every API response.
type Envelope struct {
	Code        Code   `json:"code"`
	Description string `json:"description"`
}

// LoginResponse represents the login endpoint response.
type LoginResponse struct {
	Envelope
	Data []LoginData `json:"data"`
}

type LoginData struct {
	AccessToken        string     `json:"accessToken"`
	TokenDteExpiration *MongoDate `json:"tokenDteExpiration"`
}

// MongoDate is a {"$date": <unix millis>} timestamp.
type MongoDate struct {
	Date *int64 `json:"$date"`
}

type etaRequest struct {
	CultureInfo         string `json:"cultureInfo"`
	StopRequired        string `json:"Text_StopRequired_YN"`
	EstimationsRequired string `json:"Text_EstimationsRequired_YN"`
	IncidencesRequired  string `json:"Text_IncidencesRequired_YN"`
}

func defaultEtaRequest() etaRequest {
	return etaRequest{
		CultureInfo:         "ES",
		StopRequired:        "N",
		EstimationsRequired: "Y",
		IncidencesRequired:  "N",
	}
}
