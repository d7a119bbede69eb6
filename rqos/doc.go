// Package rqos contains the QoS policies consumed when endpoints are created,
// their defaults and validation,
// and the request/offered compatibility rules
// that a discovery collaborator applies before matching endpoints.
package rqos
