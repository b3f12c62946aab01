package jdbc

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/shaiso/Conveyor/internal/operator"
	"github.com/shaiso/Conveyor/internal/sqlexec"
)

// Ключи секретов AWS для COPY.
const (
	secretAccessKeyID     = "access-key-id"
	secretSecretAccessKey = "secret-access-key"
)

// awsNamespaces — порядок поиска AWS-секретов для redshift_load.
var awsNamespaces = []string{"aws.redshift_load", "aws.redshift", "aws"}

// buildCopyStatement строит COPY для Redshift.
//
// Параметры:
//
//	table: schema.dest_table
//	source: s3://bucket/prefix/
//	format: CSV | DELIMITER | FIXEDWIDTH | AVRO | JSON
//	quote_char: '"'                (CSV)
//	delimiter_char: '|'            (DELIMITER)
//	fixedwidth_spec: 'col:10,...'  (FIXEDWIDTH)
//	jsonpaths_file: s3://...       (AVRO, JSON; по умолчанию 'auto')
//	compression: GZIP | BZIP2 | LZOP | ZSTD
//	read_ratio, max_error: int
//	manifest, remove_quotes, empty_as_null, blank_as_null, explicit_ids: bool
//	time_format: 'YYYY-MM-DD HH:MI:SS'
//
// Все значения подставляются литералами, кавычки и обратные слэши экранируются.
func buildCopyStatement(d sqlexec.Dialect, params map[string]any, secrets operator.SecretProvider) (string, error) {
	table, err := operator.RequireString(params, "table")
	if err != nil {
		return "", err
	}
	source, err := operator.RequireString(params, "source")
	if err != nil {
		return "", err
	}
	format, err := operator.RequireString(params, "format")
	if err != nil {
		return "", err
	}

	if secrets == nil {
		secrets = operator.NewSecretStore(nil)
	}
	accessKey, ok := operator.FallbackSecret(secrets, secretAccessKeyID, awsNamespaces...)
	if !ok {
		return "", operator.NewConfigError("'%s' secret doesn't exist", secretAccessKeyID)
	}
	secretKey, ok := operator.FallbackSecret(secrets, secretSecretAccessKey, awsNamespaces...)
	if !ok {
		return "", operator.NewConfigError("'%s' secret doesn't exist", secretSecretAccessKey)
	}

	var sb strings.Builder
	line := func(parts ...string) {
		sb.WriteString(strings.Join(parts, " "))
		sb.WriteByte('\n')
	}

	line("COPY", d.QuoteIdent(table), "FROM", literal(source))
	line("CREDENTIALS", literal("aws_access_key_id="+accessKey+";aws_secret_access_key="+secretKey))

	if on, err := operator.GetBool(params, "manifest", false); err != nil {
		return "", err
	} else if on {
		line("MANIFEST")
	}

	formatClause, err := copyFormatClause(strings.ToUpper(format), params)
	if err != nil {
		return "", err
	}
	line(formatClause)

	if compression := operator.GetString(params, "compression", ""); compression != "" {
		c := strings.ToUpper(compression)
		switch c {
		case "GZIP", "BZIP2", "LZOP", "ZSTD":
			line(c)
		default:
			return "", operator.NewConfigError("unsupported compression %q", compression)
		}
	}

	for _, opt := range []struct{ key, keyword string }{
		{"read_ratio", "READRATIO"},
		{"max_error", "MAXERROR"},
	} {
		n, ok, err := operator.GetInt(params, opt.key)
		if err != nil {
			return "", err
		}
		if ok {
			line(opt.keyword, strconv.Itoa(n))
		}
	}

	for _, opt := range []struct{ key, keyword string }{
		{"remove_quotes", "REMOVEQUOTES"},
		{"empty_as_null", "EMPTYASNULL"},
		{"blank_as_null", "BLANKSASNULL"},
	} {
		on, err := operator.GetBool(params, opt.key, false)
		if err != nil {
			return "", err
		}
		if on {
			line(opt.keyword)
		}
	}

	if tf := operator.GetString(params, "time_format", ""); tf != "" {
		line("TIMEFORMAT", literal(tf))
	}

	if on, err := operator.GetBool(params, "explicit_ids", false); err != nil {
		return "", err
	} else if on {
		line("EXPLICIT_IDS")
	}

	return strings.TrimRight(sb.String(), "\n"), nil
}

func copyFormatClause(format string, params map[string]any) (string, error) {
	switch format {
	case "CSV":
		q := operator.GetString(params, "quote_char", "")
		if q == "" {
			return "CSV", nil
		}
		if err := singleChar("quote_char", q); err != nil {
			return "", err
		}
		return "CSV QUOTE AS " + literal(q), nil
	case "DELIMITER":
		c, err := operator.RequireString(params, "delimiter_char")
		if err != nil {
			return "", err
		}
		if err := singleChar("delimiter_char", c); err != nil {
			return "", err
		}
		return "DELIMITER " + literal(c), nil
	case "FIXEDWIDTH":
		spec, err := operator.RequireString(params, "fixedwidth_spec")
		if err != nil {
			return "", err
		}
		return "FIXEDWIDTH " + literal(spec), nil
	case "AVRO", "JSON":
		return format + " " + literal(operator.GetString(params, "jsonpaths_file", "auto")), nil
	default:
		return "", operator.NewConfigError("unsupported format %q", format)
	}
}

func singleChar(key, s string) error {
	if utf8.RuneCountInString(s) != 1 {
		return operator.NewConfigError("parameter %q must be a single character, got %q", key, s)
	}
	return nil
}

// literal возвращает строковый литерал Redshift.
func literal(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `''`)
	return "'" + s + "'"
}
