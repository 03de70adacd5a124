package provisioning

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/nerrad567/failover-agent/internal/connectivity"
)

type registrationState struct {
	RegistrationID string `json:"registrationId"`
	AssignedHub    string `json:"assignedHub"`
	DeviceID       string `json:"deviceId"`
	Status         string `json:"status"`
	ErrorCode      int    `json:"errorCode"`
	ErrorMessage   string `json:"errorMessage"`
}

type operation struct {
	OperationID       string             `json:"operationId"`
	Status            string             `json:"status"`
	RegistrationState *registrationState `json:"registrationState"`
}

type serviceError struct {
	ErrorCode  int    `json:"errorCode"`
	TrackingID string `json:"trackingId"`
	Message    string `json:"message"`
}

// interpret maps a service response onto a registration result.
func interpret(resp response) (connectivity.RegistrationResult, error) {
	switch {
	case resp.status == http.StatusUnauthorized,
		resp.status == http.StatusForbidden,
		resp.status == http.StatusNotFound:
		return connectivity.RegistrationResult{Status: connectivity.RegistrationFailed},
			fmt.Errorf("provisioning: status %d: %w", resp.status, &connectivity.RegistrationError{
				Status:  connectivity.RegistrationFailed,
				Message: errorMessage(resp.body),
			})

	// throttling, server faults and anything else unexpected are retried
	case resp.status >= http.StatusMultipleChoices:
		return connectivity.RegistrationResult{
			Status:     connectivity.RegistrationTransient,
			RetryAfter: resp.retryAfter,
			Message:    fmt.Sprintf("status %d: %s", resp.status, errorMessage(resp.body)),
		}, nil
	}

	var op operation
	if err := json.Unmarshal(resp.body, &op); err != nil {
		return connectivity.RegistrationResult{}, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}

	res := connectivity.RegistrationResult{
		OperationID: op.OperationID,
		RetryAfter:  resp.retryAfter,
	}

	switch op.Status {
	case "assigned":
		res.Status = connectivity.RegistrationAssigned
		if st := op.RegistrationState; st != nil {
			res.Endpoint = st.AssignedHub
			res.DeviceID = st.DeviceID
		}
	case "assigning", "unassigned":
		res.Status = connectivity.RegistrationWaiting
	case "failed":
		res.Status = connectivity.RegistrationFailed
		res.Message = stateMessage(op.RegistrationState)
	case "disabled":
		res.Status = connectivity.RegistrationDisabled
		res.Message = stateMessage(op.RegistrationState)
	default:
		res.Status = connectivity.RegistrationUnknown
		res.Message = "unrecognised status " + op.Status
	}
	return res, nil
}

func errorMessage(body []byte) string {
	var se serviceError
	if err := json.Unmarshal(body, &se); err != nil || se.Message == "" {
		return string(body)
	}
	if se.ErrorCode != 0 {
		return fmt.Sprintf("%s (code %d)", se.Message, se.ErrorCode)
	}
	return se.Message
}

func stateMessage(st *registrationState) string {
	if st == nil {
		return ""
	}
	if st.ErrorCode != 0 {
		return fmt.Sprintf("%s (code %d)", st.ErrorMessage, st.ErrorCode)
	}
	return st.ErrorMessage
}
