package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fairyhunter13/cnpj-enricher/internal/domain"
)

// CNPJWS queries the publica.cnpj.ws endpoint (three requests per minute on
// the public tier).
type CNPJWS struct {
	baseURL string
	hc      *http.Client
}

// NewCNPJWS builds the client. baseURL has no trailing slash.
func NewCNPJWS(baseURL string, timeout time.Duration) *CNPJWS {
	return &CNPJWS{baseURL: baseURL, hc: newHTTPClient(timeout)}
}

// Name implements domain.ProviderClient.
func (c *CNPJWS) Name() string { return "cnpjws" }

type cnpjwsPayload struct {
	RazaoSocial string `json:"razao_social"`
	Simples     *struct {
		Simples          string `json:"simples"`
		DataOpcaoSimples string `json:"data_opcao_simples"`
	} `json:"simples"`
	Socios []struct {
		Nome             string `json:"nome"`
		QualificacaoSocio struct {
			Descricao string `json:"descricao"`
		} `json:"qualificacao_socio"`
	} `json:"socios"`
	Estabelecimento struct {
		NomeFantasia      string `json:"nome_fantasia"`
		SituacaoCadastral string `json:"situacao_cadastral"`
		Logradouro        string `json:"logradouro"`
		Numero            string `json:"numero"`
		Complemento       string `json:"complemento"`
		Bairro            string `json:"bairro"`
		CEP               string `json:"cep"`
		DDD1              string `json:"ddd1"`
		Telefone1         string `json:"telefone1"`
		Email             string `json:"email"`
		Cidade            *struct {
			Nome string `json:"nome"`
		} `json:"cidade"`
		Estado *struct {
			Sigla string `json:"sigla"`
		} `json:"estado"`
		AtividadePrincipal *struct {
			Subclasse string `json:"subclasse"`
			Descricao string `json:"descricao"`
		} `json:"atividade_principal"`
		AtividadesSecundarias []struct {
			Subclasse string `json:"subclasse"`
			Descricao string `json:"descricao"`
		} `json:"atividades_secundarias"`
	} `json:"estabelecimento"`
}

// Query implements domain.ProviderClient.
func (c *CNPJWS) Query(ctx context.Context, cnpj string) domain.ProviderOutcome {
	status, body, err := get(ctx, c.hc, c.baseURL+"/"+cnpj)
	if err != nil {
		return domain.OutcomeTransientErr(err)
	}
	switch {
	case status == http.StatusOK:
	case status == http.StatusTooManyRequests:
		return domain.OutcomeLimited()
	case status == http.StatusNotFound:
		return domain.OutcomeMissing()
	case status >= 500:
		return domain.OutcomeTransientErr(fmt.Errorf("%w: cnpjws %d", errUnexpectedStatus, status))
	default:
		return domain.OutcomeInvalidReq(fmt.Errorf("%w: cnpjws %d", errUnexpectedStatus, status))
	}

	var p cnpjwsPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return domain.OutcomeTransientErr(fmt.Errorf("op=cnpjws.decode: %w", err))
	}

	est := p.Estabelecimento
	rec := &domain.Company{
		CNPJ:               cnpj,
		LegalName:          p.RazaoSocial,
		TradeName:          est.NomeFantasia,
		RegistrationStatus: est.SituacaoCadastral,
		Street:             est.Logradouro,
		Number:             est.Numero,
		Complement:         est.Complemento,
		Neighborhood:       est.Bairro,
		ZipCode:            cleanZip(est.CEP),
		Email:              est.Email,
		RawPayload:         body,
	}
	if est.Telefone1 != "" {
		rec.Phone = est.DDD1 + est.Telefone1
	}
	if est.Cidade != nil {
		rec.City = est.Cidade.Nome
	}
	if est.Estado != nil {
		rec.State = est.Estado.Sigla
	}
	if est.AtividadePrincipal != nil {
		rec.MainActivityCode = est.AtividadePrincipal.Subclasse
		rec.MainActivityText = est.AtividadePrincipal.Descricao
	}
	for _, a := range est.AtividadesSecundarias {
		rec.SideActivities = append(rec.SideActivities, domain.Activity{Code: a.Subclasse, Text: a.Descricao})
	}
	for _, s := range p.Socios {
		rec.Partners = append(rec.Partners, domain.Partner{Name: s.Nome, Role: s.QualificacaoSocio.Descricao})
	}
	if p.Simples != nil {
		rec.SimplesOptant = strings.EqualFold(p.Simples.Simples, "sim")
		rec.SimplesSince = parseDate(p.Simples.DataOpcaoSimples)
	}
	return domain.OutcomeSuccess(rec)
}
