package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fairyhunter13/cnpj-enricher/internal/domain"
)

// ReceitaWS queries the free ReceitaWS endpoint. The free tier allows three
// requests per minute and signals not-found through a 200 with status=ERROR.
type ReceitaWS struct {
	baseURL string
	hc      *http.Client
}

// NewReceitaWS builds the client. baseURL has no trailing slash.
func NewReceitaWS(baseURL string, timeout time.Duration) *ReceitaWS {
	return &ReceitaWS{baseURL: baseURL, hc: newHTTPClient(timeout)}
}

// Name implements domain.ProviderClient.
func (c *ReceitaWS) Name() string { return "receitaws" }

type receitawsPayload struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Nome      string `json:"nome"`
	Fantasia  string `json:"fantasia"`
	Situacao  string `json:"situacao"`
	Logradouro string `json:"logradouro"`
	Numero     string `json:"numero"`
	Complemento string `json:"complemento"`
	Bairro      string `json:"bairro"`
	Municipio   string `json:"municipio"`
	UF          string `json:"uf"`
	CEP         string `json:"cep"`
	Email       string `json:"email"`
	Telefone    string `json:"telefone"`
	AtividadePrincipal []struct {
		Code string `json:"code"`
		Text string `json:"text"`
	} `json:"atividade_principal"`
	AtividadesSecundarias []struct {
		Code string `json:"code"`
		Text string `json:"text"`
	} `json:"atividades_secundarias"`
	QSA []struct {
		Nome string `json:"nome"`
		Qual string `json:"qual"`
	} `json:"qsa"`
	Simples struct {
		Optante   bool   `json:"optante"`
		DataOpcao string `json:"data_opcao"`
	} `json:"simples"`
}

// Query implements domain.ProviderClient.
func (c *ReceitaWS) Query(ctx context.Context, cnpj string) domain.ProviderOutcome {
	status, body, err := get(ctx, c.hc, c.baseURL+"/"+cnpj)
	if err != nil {
		return domain.OutcomeTransientErr(err)
	}
	switch {
	case status == http.StatusOK:
		// fall through to payload handling below
	case status == http.StatusTooManyRequests:
		return domain.OutcomeLimited()
	case status == http.StatusNotFound:
		return domain.OutcomeMissing()
	case status >= 500:
		return domain.OutcomeTransientErr(fmt.Errorf("%w: receitaws %d", errUnexpectedStatus, status))
	default:
		return domain.OutcomeInvalidReq(fmt.Errorf("%w: receitaws %d", errUnexpectedStatus, status))
	}

	var p receitawsPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return domain.OutcomeTransientErr(fmt.Errorf("op=receitaws.decode: %w", err))
	}
	if p.Status != "OK" {
		// ReceitaWS answers 200 with status=ERROR for unknown CNPJs.
		return domain.OutcomeMissing()
	}

	rec := &domain.Company{
		CNPJ:               cnpj,
		LegalName:          p.Nome,
		TradeName:          p.Fantasia,
		RegistrationStatus: p.Situacao,
		Street:             p.Logradouro,
		Number:             p.Numero,
		Complement:         p.Complemento,
		Neighborhood:       p.Bairro,
		City:               p.Municipio,
		State:              p.UF,
		ZipCode:            cleanZip(p.CEP),
		Email:              p.Email,
		Phone:              p.Telefone,
		SimplesOptant:      p.Simples.Optante,
		SimplesSince:       parseDate(p.Simples.DataOpcao),
		RawPayload:         body,
	}
	if len(p.AtividadePrincipal) > 0 {
		rec.MainActivityCode = p.AtividadePrincipal[0].Code
		rec.MainActivityText = p.AtividadePrincipal[0].Text
	}
	for _, a := range p.AtividadesSecundarias {
		rec.SideActivities = append(rec.SideActivities, domain.Activity{Code: a.Code, Text: a.Text})
	}
	for _, s := range p.QSA {
		rec.Partners = append(rec.Partners, domain.Partner{Name: s.Nome, Role: s.Qual})
	}
	return domain.OutcomeSuccess(rec)
}
