package domain

import (
	"time"

	"github.com/google/uuid"
)

// Project — загруженный архив с определениями workflows.
//
// Архив (tar.gz) хранится целиком: агент скачивает его через OpenArchive
// перед запуском оператора. Определения workflows берутся из манифеста
// conveyor.yml внутри архива.
type Project struct {
	// ID — уникальный идентификатор проекта.
	ID uuid.UUID `json:"id"`

	// SiteID — tenant scope.
	SiteID int `json:"site_id"`

	// Name — имя проекта (уникально в пределах site).
	Name string `json:"name"`

	// Revision — номер ревизии, увеличивается при каждой загрузке.
	Revision int `json:"revision"`

	// ArchiveMD5 — контрольная сумма архива.
	ArchiveMD5 string `json:"archive_md5"`

	// Workflows — определения workflows из манифеста.
	Workflows []WorkflowDef `json:"workflows"`

	// CreatedAt — время создания проекта.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt — время последней загрузки.
	UpdatedAt time.Time `json:"updated_at"`
}

// WorkflowDef — определение workflow: какой оператор запускать и с каким config.
type WorkflowDef struct {
	// Name — имя workflow.
	Name string `json:"name" yaml:"name"`

	// Type — тег оператора.
	Type string `json:"type" yaml:"type"`

	// Config — параметры оператора.
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// FindWorkflow ищет workflow по имени.
func (p *Project) FindWorkflow(name string) (WorkflowDef, bool) {
	for _, wf := range p.Workflows {
		if wf.Name == name {
			return wf, true
		}
	}
	return WorkflowDef{}, false
}
