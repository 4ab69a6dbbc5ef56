package emulator

import (
	"fmt"
	"math/rand/v2"
)

// payloadTemplates are sentences a user might type into the target
// app. Each takes one formatted amount.
var payloadTemplates = []string{
	"Send %s to Alex for dinner last night",
	"Pay %s to the landlord for this month's utilities",
	"Split %s with Sam for the concert tickets",
	"Transfer %s to my savings for the trip to Zürich",
	"Request %s from Priya for the groceries",
}

var currencySymbols = []string{"$", "€", "£", "¥"}

// synthesizePayload builds a message with a random amount. A nil rng
// uses the global source.
func synthesizePayload(rng *rand.Rand) string {
	intN := rand.IntN
	if rng != nil {
		intN = rng.IntN
	}

	symbol := currencySymbols[intN(len(currencySymbols))]
	var amount string
	if symbol == "¥" {
		amount = fmt.Sprintf("%s%d", symbol, 500+intN(50000))
	} else {
		cents := 500 + intN(49500) // 5.00 to 499.99
		amount = fmt.Sprintf("%s%d.%02d", symbol, cents/100, cents%100)
	}
	return fmt.Sprintf(payloadTemplates[intN(len(payloadTemplates))], amount)
}
