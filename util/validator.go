package util

import "github.com/go-playground/validator/v10"

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterValidation("latitude", validateLatitude)
	validate.RegisterValidation("longitude", validateLongitude)
}

// Coordinate range rules backing the `latitude`/`longitude` tags on
// location payloads. Zero is a valid coordinate, so these are range
// checks, not presence checks.
func validateLatitude(fl validator.FieldLevel) bool {
	lat := fl.Field().Float()
	return lat >= -90 && lat <= 90
}

func validateLongitude(fl validator.FieldLevel) bool {
	lng := fl.Field().Float()
	return lng >= -180 && lng <= 180
}

// ValidateStruct runs the shared validator over any tagged struct.
func ValidateStruct(s interface{}) error {
	return validate.Struct(s)
}
