package reconcile

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lexfield/capture-engine/internal/database"
	"github.com/lexfield/capture-engine/internal/fetcher"
)

// Pole is the procedural side a party sits on, derived from the payload's
// structural keys (ATIVO / PASSIVO / TERCEIROS), never from free-text role
// descriptions. The exhaustive switch in Classify keeps a new pole from
// being silently dropped.
type Pole int

const (
	PoleActive Pole = iota
	PolePassive
	PoleOther
)

func (p Pole) String() string {
	switch p {
	case PoleActive:
		return "ativo"
	case PolePassive:
		return "passivo"
	case PoleOther:
		return "outros"
	}
	return "outros"
}

// specialPartyTypes are participants that are neither client nor opposing
// party regardless of who represents them: experts, public ministry,
// witnesses and other auxiliary roles. Taken from the source systems' party
// type vocabulary.
var specialPartyTypes = map[string]struct{}{
	"PERITO":                       {},
	"PERITO_CONTADOR":              {},
	"PERITO_MEDICO":                {},
	"PERITO_JUDICIAL":              {},
	"MINISTERIO_PUBLICO":           {},
	"MINISTERIO_PUBLICO_TRABALHO":  {},
	"MINISTERIO_PUBLICO_ESTADUAL":  {},
	"MINISTERIO_PUBLICO_FEDERAL":   {},
	"ASSISTENTE":                   {},
	"ASSISTENTE_TECNICO":           {},
	"TESTEMUNHA":                   {},
	"CUSTOS_LEGIS":                 {},
	"AMICUS_CURIAE":                {},
	"PREPOSTO":                     {},
	"CURADOR":                      {},
	"CURADOR_ESPECIAL":             {},
	"INVENTARIANTE":                {},
	"ADMINISTRADOR":                {},
	"SINDICO":                      {},
	"DEPOSITARIO":                  {},
	"LEILOEIRO":                    {},
	"LEILOEIRO_OFICIAL":            {},
	"TRADUTOR":                     {},
	"INTERPRETE":                   {},
}

// IsSpecialPartyType reports whether the party type forces third-party
// classification.
func IsSpecialPartyType(partyType string) bool {
	_, ok := specialPartyTypes[strings.ToUpper(strings.TrimSpace(partyType))]
	return ok
}

// RawRepresentative is a lawyer attached to a party in the source payload.
type RawRepresentative struct {
	ExternalPersonID int64  `json:"idParte"`
	Name             string `json:"nome"`
	Document         string `json:"numeroDocumento"`
	OABNumber        string `json:"numeroOab,omitempty"`
	OABState         string `json:"ufOab,omitempty"`
}

// RawAddress is a party address as captured.
type RawAddress struct {
	ExternalID int64  `json:"id"`
	Street     string `json:"logradouro"`
	Number     string `json:"numero"`
	District   string `json:"bairro"`
	City       string `json:"municipio"`
	State      string `json:"estado"`
	PostalCode string `json:"nroCep"`
}

// RawParty is one party record as captured from a source system.
type RawParty struct {
	ExternalPersonID int64               `json:"idParte"`
	Name             string              `json:"nome"`
	PartyType        string              `json:"tipoParte"` // AUTOR, RECLAMADO, PERITO, ...
	Pole             Pole                `json:"-"`
	PersonKind       string              `json:"tipoPessoa"` // pf | pj
	Document         string              `json:"documento"`  // CPF or CNPJ, possibly formatted
	Principal        bool                `json:"principal"`
	Order            int                 `json:"ordem"`
	Representatives  []RawRepresentative `json:"representantes"`
	Address          *RawAddress         `json:"endereco,omitempty"`
}

// partiesPayload mirrors the grouped structure the source systems return:
// one list per pole key.
type partiesPayload struct {
	Active  []RawParty `json:"ATIVO"`
	Passive []RawParty `json:"PASSIVO"`
	Others  []RawParty `json:"TERCEIROS"`
}

// ParseParties decodes a raw parties payload into records tagged with their
// pole.
func ParseParties(body fetcher.RawBody) ([]RawParty, error) {
	var payload partiesPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode parties payload: %w", err)
	}

	parties := make([]RawParty, 0, len(payload.Active)+len(payload.Passive)+len(payload.Others))
	for _, p := range payload.Active {
		p.Pole = PoleActive
		parties = append(parties, p)
	}
	for _, p := range payload.Passive {
		p.Pole = PolePassive
		parties = append(parties, p)
	}
	for _, p := range payload.Others {
		p.Pole = PoleOther
		parties = append(parties, p)
	}
	return parties, nil
}

// Representative identifies the lawyer whose credential drove the capture.
type Representative struct {
	ID       int64
	Document string // normalized CPF or CNPJ
	Name     string
}

// Classify infers the entity type of a party:
// a special participant type is always a third party; a party represented
// by the capturing lawyer is a client; everything else is an opposing
// party. Parties in the TERCEIROS pole are third parties by structure.
func Classify(party RawParty, rep Representative) (database.EntityType, error) {
	if IsSpecialPartyType(party.PartyType) {
		return database.EntityThirdParty, nil
	}

	switch party.Pole {
	case PoleOther:
		return database.EntityThirdParty, nil
	case PoleActive, PolePassive:
		repDoc := NormalizeDocument(rep.Document)
		if repDoc == "" {
			return "", fmt.Errorf("capturing representative has no usable document")
		}
		for _, r := range party.Representatives {
			if NormalizeDocument(r.Document) == repDoc {
				return database.EntityClient, nil
			}
		}
		return database.EntityOpposingParty, nil
	default:
		return "", fmt.Errorf("unknown pole %d", party.Pole)
	}
}
