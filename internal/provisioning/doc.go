// Package provisioning implements connectivity.ProvisioningService against
// the device provisioning service's MQTT surface.
//
// Every Register or PollStatus call opens its own short-lived connection,
// authenticated with a SAS token over {scope}/registrations/{id} and the
// "registration" policy. The request is correlated with its response by
// $rid. Responses map onto connectivity.RegistrationStatus:
//
//	assigned              Assigned
//	assigning, unassigned Waiting
//	failed                Failed
//	disabled              Disabled
//	HTTP 429, 5xx         Error (transient)
//
// HTTP 401, 403 and 404 are returned as errors wrapping
// connectivity.ErrIdentityRejected.
package provisioning
