package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexfield/capture-engine/internal/database"
	"github.com/lexfield/capture-engine/internal/fetcher"
	"github.com/lexfield/capture-engine/internal/registry"
)

var testScope = Scope{
	ExternalSystem: "PJE",
	TargetCode:     registry.TRT3,
	InstanceLevel:  registry.FirstInstance,
}

func TestParseParties_TagsPoles(t *testing.T) {
	body := fetcher.RawBody(`{
		"ATIVO": [{"idParte": 1, "nome": "Joao da Silva", "tipoParte": "AUTOR"}],
		"PASSIVO": [{"idParte": 2, "nome": "Empresa XYZ Ltda", "tipoParte": "RECLAMADO"}],
		"TERCEIROS": [{"idParte": 3, "nome": "Dr. Perito", "tipoParte": "PERITO"}]
	}`)

	parties, err := ParseParties(body)
	require.NoError(t, err)
	require.Len(t, parties, 3)

	assert.Equal(t, PoleActive, parties[0].Pole)
	assert.Equal(t, PolePassive, parties[1].Pole)
	assert.Equal(t, PoleOther, parties[2].Pole)
}

func TestParseParties_InvalidJSON(t *testing.T) {
	_, err := ParseParties(fetcher.RawBody(`{`))
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	rep := Representative{ID: 1, Document: "12345678900"}

	t.Run("special party type is third party even when represented by us", func(t *testing.T) {
		party := RawParty{
			Name:      "Dr. Perito Contador",
			PartyType: "PERITO_CONTADOR",
			Pole:      PolePassive,
			Representatives: []RawRepresentative{
				{Name: "Dra. Maria", Document: "123.456.789-00"},
			},
		}
		entityType, err := Classify(party, rep)
		require.NoError(t, err)
		assert.Equal(t, database.EntityThirdParty, entityType)
	})

	t.Run("third-party pole is third party", func(t *testing.T) {
		party := RawParty{Name: "Interessado", PartyType: "TERCEIRO_INTERESSADO", Pole: PoleOther}
		entityType, err := Classify(party, rep)
		require.NoError(t, err)
		assert.Equal(t, database.EntityThirdParty, entityType)
	})

	t.Run("party represented by capturing lawyer is client", func(t *testing.T) {
		party := RawParty{
			Name:      "Joao da Silva",
			PartyType: "AUTOR",
			Pole:      PoleActive,
			Representatives: []RawRepresentative{
				{Name: "Dra. Maria", Document: "123.456.789-00"},
			},
		}
		entityType, err := Classify(party, rep)
		require.NoError(t, err)
		assert.Equal(t, database.EntityClient, entityType)
	})

	t.Run("party with other representation is opposing party", func(t *testing.T) {
		party := RawParty{
			Name:      "Empresa XYZ Ltda",
			PartyType: "RECLAMADO",
			Pole:      PolePassive,
			Representatives: []RawRepresentative{
				{Name: "Dr. Outro", Document: "98765432100"},
			},
		}
		entityType, err := Classify(party, rep)
		require.NoError(t, err)
		assert.Equal(t, database.EntityOpposingParty, entityType)
	})

	t.Run("party with no representatives is opposing party", func(t *testing.T) {
		party := RawParty{Name: "Empresa ABC", PartyType: "RECLAMADO", Pole: PolePassive}
		entityType, err := Classify(party, rep)
		require.NoError(t, err)
		assert.Equal(t, database.EntityOpposingParty, entityType)
	})

	t.Run("representative without document fails", func(t *testing.T) {
		party := RawParty{Name: "Alguem", PartyType: "AUTOR", Pole: PoleActive}
		_, err := Classify(party, Representative{ID: 1})
		assert.Error(t, err)
	})
}

func TestNormalizeDocument(t *testing.T) {
	assert.Equal(t, "12345678900", NormalizeDocument("123.456.789-00"))
	assert.Equal(t, "12345678000190", NormalizeDocument("12.345.678/0001-90"))
	assert.Equal(t, "", NormalizeDocument("n/a"))
}

func TestValidDocument(t *testing.T) {
	assert.True(t, ValidDocument("12345678900"))
	assert.True(t, ValidDocument("12345678000190"))
	assert.False(t, ValidDocument("123"))
	assert.False(t, ValidDocument("11111111111"), "repeated-digit placeholder")
	assert.False(t, ValidDocument(""))
}

func TestResolve(t *testing.T) {
	idx := NewEntityIndex()
	idx.AddEntity(database.EntityClient, 10, "Joao da Silva")
	idx.AddCrossReference(CrossRefKey{
		EntityType:       database.EntityClient,
		ExternalSystem:   "PJE",
		TargetCode:       registry.TRT3,
		InstanceLevel:    registry.FirstInstance,
		ExternalPersonID: 555,
	}, 10)

	t.Run("level 1 name match, case-insensitive", func(t *testing.T) {
		res := Resolve(RawParty{Name: "JOAO DA SILVA"}, database.EntityClient, testScope, idx)
		assert.Equal(t, MatchedByName, res.Kind)
		assert.Equal(t, int64(10), res.EntityID)
	})

	t.Run("level 2 cross-reference match survives name drift", func(t *testing.T) {
		res := Resolve(RawParty{Name: "Joao D. Silva", ExternalPersonID: 555}, database.EntityClient, testScope, idx)
		assert.Equal(t, MatchedByCrossReference, res.Kind)
		assert.Equal(t, int64(10), res.EntityID)
		assert.True(t, res.NameDrifted)
	})

	t.Run("level 3 creation when nothing matches", func(t *testing.T) {
		res := Resolve(RawParty{Name: "Desconhecido", ExternalPersonID: 999}, database.EntityClient, testScope, idx)
		assert.Equal(t, Created, res.Kind)
		assert.Zero(t, res.EntityID)
	})

	t.Run("name match in another type does not leak", func(t *testing.T) {
		res := Resolve(RawParty{Name: "Joao da Silva"}, database.EntityOpposingParty, testScope, idx)
		assert.Equal(t, Created, res.Kind)
	})
}
