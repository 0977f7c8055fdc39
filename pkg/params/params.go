// Package params tracks PostgreSQL ParameterStatus values.
//
// The server reports a hard-wired set of parameters whenever their active
// value changes: synchronously after a SET, but also asynchronously after a
// config reload or a rolled-back SET. A pooling proxy has to care because a
// client whose session moves between backend connections must observe the
// parameter values of the connection it is attached to now.
package params

import "maps"

// ParameterStatuses maps parameter name to its reported value.
type ParameterStatuses map[string]string

// Clone returns an independent copy.
func (p ParameterStatuses) Clone() ParameterStatuses {
	return maps.Clone(p)
}

// Names of the parameters the server reports ParameterStatus for.
const (
	ParamApplicationName            = "application_name"
	ParamScramIterations            = "scram_iterations"
	ParamClientEncoding             = "client_encoding"
	ParamSearchPath                 = "search_path"
	ParamDateStyle                  = "DateStyle"
	ParamServerEncoding             = "server_encoding"
	ParamDefaultTransactionReadOnly = "default_transaction_read_only"
	ParamServerVersion              = "server_version"
	ParamInHotStandby               = "in_hot_standby"
	ParamSessionAuthorization       = "session_authorization"
	ParamIntegerDatetimes           = "integer_datetimes"
	ParamStandardConformingStrings  = "standard_conforming_strings"
	ParamIntervalStyle              = "IntervalStyle"
	ParamTimeZone                   = "TimeZone"
	ParamIsSuperuser                = "is_superuser"
)

// BaseTrackedParameters lists the reported parameters in a stable order.
// Startup parameters outside this list only become part of a connection's
// pooling identity when configured via track_extra_parameters.
var BaseTrackedParameters = []string{
	ParamApplicationName,
	ParamScramIterations,
	ParamClientEncoding,
	ParamSearchPath,
	ParamDateStyle,
	ParamServerEncoding,
	ParamDefaultTransactionReadOnly,
	ParamServerVersion,
	ParamInHotStandby,
	ParamSessionAuthorization,
	ParamIntegerDatetimes,
	ParamStandardConformingStrings,
	ParamIntervalStyle,
	ParamTimeZone,
	ParamIsSuperuser,
}

// BaseParameterStatuses is the synthetic set presented to a client at
// session startup, before any backend connection is attached.
var BaseParameterStatuses = ParameterStatuses{
	ParamServerVersion:             "18.1 (pgtether)",
	ParamServerEncoding:            "UTF8",
	ParamIntegerDatetimes:          "on",
	ParamStandardConformingStrings: "on",
	ParamIntervalStyle:             "postgres",
	ParamTimeZone:                  "UTC",
}

// ParameterStatusDiff is the change set between two snapshots: non-nil
// values are upserts, nil values are parameters present in the base but
// absent from the tip.
type ParameterStatusDiff map[string]*string

// DiffToTip computes the ParameterStatus messages needed to move a client
// that has seen base to the values in tip.
func (base ParameterStatuses) DiffToTip(tip ParameterStatuses) ParameterStatusDiff {
	diff := ParameterStatusDiff{}

	for tipKey, tipValue := range tip {
		if baseValue, baseHas := base[tipKey]; !baseHas || baseValue != tipValue {
			diff[tipKey] = &tipValue
		}
	}

	for baseKey := range base {
		if _, tipHas := tip[baseKey]; !tipHas {
			diff[baseKey] = nil
		}
	}

	return diff
}
