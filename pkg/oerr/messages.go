package oerr

// UserMessage returns a short, localized, user-facing message for an error
// kind. The correlation ID is appended by the caller at the edge.
func UserMessage(kind Kind, lang string) string {
	msgs, ok := userMessages[lang]
	if !ok {
		msgs = userMessages["en"]
	}
	if msg, ok := msgs[kind]; ok {
		return msg
	}
	return userMessages["en"][KindInternal]
}

var userMessages = map[string]map[Kind]string{
	"en": {
		KindValidation:         "I couldn't understand that request. Could you rephrase it?",
		KindAuth:               "You're not authorized to do that.",
		KindBudgetExhausted:    "Your team's AI budget for this period is used up.",
		KindNoAccountAvailable: "All AI capacity is busy right now. Please try again in a minute.",
		KindRateLimited:        "The AI provider is rate-limiting us. Please try again shortly.",
		KindProviderTransient:  "The AI provider had a hiccup. Please try again.",
		KindDeadlineExceeded:   "That took too long and was stopped.",
		KindCancelled:          "The request was cancelled.",
		KindInternal:           "Something went wrong on our side.",
	},
	"es": {
		KindValidation:         "No pude entender esa solicitud. ¿Puedes reformularla?",
		KindAuth:               "No tienes autorización para hacer eso.",
		KindBudgetExhausted:    "El presupuesto de IA de tu equipo para este período se ha agotado.",
		KindNoAccountAvailable: "Toda la capacidad de IA está ocupada. Inténtalo de nuevo en un minuto.",
		KindRateLimited:        "El proveedor de IA nos está limitando. Inténtalo de nuevo en breve.",
		KindProviderTransient:  "El proveedor de IA tuvo un problema. Inténtalo de nuevo.",
		KindDeadlineExceeded:   "Tardó demasiado y fue detenido.",
		KindCancelled:          "La solicitud fue cancelada.",
		KindInternal:           "Algo salió mal de nuestro lado.",
	},
	"de": {
		KindValidation:         "Ich konnte die Anfrage nicht verstehen. Kannst du sie umformulieren?",
		KindAuth:               "Dazu bist du nicht berechtigt.",
		KindBudgetExhausted:    "Das KI-Budget deines Teams für diesen Zeitraum ist aufgebraucht.",
		KindNoAccountAvailable: "Alle KI-Kapazitäten sind gerade ausgelastet. Bitte versuche es in einer Minute erneut.",
		KindRateLimited:        "Der KI-Anbieter drosselt uns gerade. Bitte versuche es gleich noch einmal.",
		KindProviderTransient:  "Der KI-Anbieter hatte ein Problem. Bitte versuche es erneut.",
		KindDeadlineExceeded:   "Das hat zu lange gedauert und wurde abgebrochen.",
		KindCancelled:          "Die Anfrage wurde abgebrochen.",
		KindInternal:           "Bei uns ist etwas schiefgelaufen.",
	},
}
