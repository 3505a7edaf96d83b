package handler

import (
	"net/http"

	"golang.org/x/text/language"

	"github.com/ComUnity/abuse-gateway/internal/models"
)

// Denial messages tell the user what they can do next without exposing caps.
var denialMessages = map[language.Tag]map[models.FraudReason]string{
	language.BrazilianPortuguese: {
		models.ReasonDeviceLimit: "Este dispositivo já possui uma conta gratuita. Entre na conta existente ou escolha um plano pago.",
		models.ReasonIPLimit:     "Já existem contas gratuitas criadas nesta rede. Tente outra conexão ou escolha um plano pago.",
		models.ReasonRateLimit:   "Muitas tentativas em pouco tempo. Aguarde alguns minutos e tente novamente.",
		"":                       "Não foi possível liberar o plano gratuito agora. Fale com o suporte.",
	},
	language.English: {
		models.ReasonDeviceLimit: "This device already has a free account. Sign in to it or choose a paid plan.",
		models.ReasonIPLimit:     "Free accounts have already been created from this network. Try another connection or choose a paid plan.",
		models.ReasonRateLimit:   "Too many attempts in a short time. Please wait a few minutes and try again.",
		"":                       "We could not enable the free plan right now. Please contact support.",
	},
}

// The first supported tag is the fallback.
var (
	supportedTags  = []language.Tag{language.BrazilianPortuguese, language.English}
	messageMatcher = language.NewMatcher(supportedTags)
)

// Localizer picks the denial message catalog from Accept-Language.
type Localizer struct {
	fallback language.Tag
}

func NewLocalizer(defaultLang string) *Localizer {
	tag := language.BrazilianPortuguese
	if t, err := language.Parse(defaultLang); err == nil {
		_, idx, _ := messageMatcher.Match(t)
		tag = supportedTags[idx]
	}
	return &Localizer{fallback: tag}
}

func (l *Localizer) tag(r *http.Request) language.Tag {
	accept := r.Header.Get("Accept-Language")
	if accept == "" {
		return l.fallback
	}
	tags, _, err := language.ParseAcceptLanguage(accept)
	if err != nil || len(tags) == 0 {
		return l.fallback
	}
	_, idx, conf := messageMatcher.Match(tags...)
	if conf == language.No {
		return l.fallback
	}
	return supportedTags[idx]
}

// Message returns "" for allowed results, otherwise the localized denial text.
func (l *Localizer) Message(r *http.Request, res models.EligibilityResult) string {
	if res.Allowed {
		return ""
	}
	catalog := denialMessages[l.tag(r)]
	if msg, ok := catalog[res.Reason]; ok {
		return msg
	}
	return catalog[""]
}
