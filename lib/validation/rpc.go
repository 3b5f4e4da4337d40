package validation

// ---- RPC-specific validators ----
// These functions validate RPC handler input parameters and return user-safe error messages.

// ValidateChangeServerParams validates parameters for the connection.change_server RPC method.
// Every problem found is reported, not only the first.
func ValidateChangeServerParams(exitCountry, exitCity, entryCountry, entryCity string) error {
	var errs Errors
	errs.Add(Location("exit", exitCountry, exitCity))
	errs.Add(OptionalLocation("entry", entryCountry, entryCity))
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// ValidateCooldownParams validates parameters for the servers.cooldown RPC method.
func ValidateCooldownParams(country, city string) error {
	return All(
		func() error { return CountryCode("country", country) },
		func() error { return City("city", city) },
	)
}
