package interior

import (
	sserr "github.com/cradlesystems/cradle-core/pkg/errors"
)

var errMissingKind = sserr.New(sserr.CodeValidation, `interior config missing required "kind" field`)

func errUnknownKind(kind string) error {
	return sserr.Newf(sserr.CodeValidation, "interior config names unknown kind %q", kind)
}
