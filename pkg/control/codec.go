package control

import (
	"encoding/json"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/core-tools/hsu-orchestrator/pkg/domain"
	"github.com/core-tools/hsu-orchestrator/pkg/errors"
)

// reportToStruct carries the report through its JSON form so field names match the status file
func reportToStruct(report *domain.StatusReport) (*structpb.Struct, error) {
	data, err := json.Marshal(report)
	if err != nil {
		return nil, errors.NewInternalError("failed to encode status report", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, errors.NewInternalError("failed to encode status report", err)
	}

	result, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, errors.NewInternalError("failed to convert status report", err)
	}
	return result, nil
}

func structToReport(message *structpb.Struct) (*domain.StatusReport, error) {
	if message == nil {
		return nil, errors.NewValidationError("empty status report", nil)
	}

	data, err := json.Marshal(message.AsMap())
	if err != nil {
		return nil, errors.NewInternalError("failed to decode status report", err)
	}

	report := &domain.StatusReport{}
	if err := json.Unmarshal(data, report); err != nil {
		return nil, errors.NewValidationError("malformed status report", err)
	}
	return report, nil
}
