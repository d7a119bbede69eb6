// Package rid contains the identity value types of the RTPS engine:
// GUIDs identifying participants and endpoints,
// and sequence numbers identifying samples within a writer.
package rid
