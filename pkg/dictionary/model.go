package dictionary

import (
	"github.com/cuemby/nodestore/pkg/types"
)

// DataType is the declared type of a property
type DataType string

const (
	DataTypeText          DataType = "text"
	DataTypeInt           DataType = "int"
	DataTypeLong          DataType = "long"
	DataTypeFloat         DataType = "float"
	DataTypeDouble        DataType = "double"
	DataTypeBoolean       DataType = "boolean"
	DataTypeDateTime      DataType = "datetime"
	DataTypeContent       DataType = "content"
	DataTypeNodeRef       DataType = "noderef"
	DataTypeChildAssocRef DataType = "childassocref"
	DataTypeQName         DataType = "qname"
	DataTypeLocale        DataType = "locale"
	DataTypeAny           DataType = "any"
)

// PropertyDef describes a property
type PropertyDef struct {
	Name      types.QName
	Type      DataType
	Default   any
	Multiple  bool
	Mandatory bool

	// Protected properties are maintained by the store and cannot be set
	// through the generic property operations
	Protected bool
}

// ClassDef describes a type or an aspect
type ClassDef struct {
	Name             types.QName
	Parent           types.QName
	IsAspect         bool
	Properties       []types.QName
	MandatoryAspects []types.QName
}

// AssocDef describes a child or peer association type
type AssocDef struct {
	Name    types.QName
	IsChild bool
}

// Built-in types
var (
	TypeBase         = types.SysQName("base")
	TypeStoreRoot    = types.SysQName("store_root")
	TypeContainer    = types.SysQName("container")
	TypeLostAndFound = types.SysQName("lost_found")
	TypeCmObject     = types.CmQName("cmobject")
	TypeFolder       = types.CmQName("folder")
	TypeContent      = types.CmQName("content")
)

// Built-in aspects
var (
	AspectLocalized     = types.SysQName("localized")
	AspectTemporary     = types.SysQName("temporary")
	AspectArchived      = types.SysQName("archived")
	AspectCascadeUpdate = types.SysQName("cascadeUpdate")
	AspectLostAndFound  = types.SysQName("lostAndFound")
	AspectAuditable     = types.CmQName("auditable")
	AspectOwnable       = types.CmQName("ownable")
	AspectTitled        = types.CmQName("titled")
	AspectVersionable   = types.CmQName("versionable")
)

// Built-in properties
var (
	PropNodeUUID        = types.SysQName("node-uuid")
	PropNodeDBID        = types.SysQName("node-dbid")
	PropStoreProtocol   = types.SysQName("store-protocol")
	PropStoreIdentifier = types.SysQName("store-identifier")
	PropLocale          = types.SysQName("locale")
	PropArchivedBy      = types.SysQName("archivedBy")
	PropArchivedDate    = types.SysQName("archivedDate")
	PropArchivedParent  = types.SysQName("archivedOriginalParentAssoc")
	PropArchivedOwner   = types.SysQName("archivedOriginalOwner")
	PropCascadeCRC      = types.SysQName("cascadeCRC")
	PropCascadeTx       = types.SysQName("cascadeTx")
	PropOriginalDBID    = types.SysQName("originalDbId")
	PropRecoveredState  = types.SysQName("recoveredState")
	PropName            = types.CmQName("name")
	PropContent         = types.CmQName("content")
	PropCreated         = types.CmQName("created")
	PropCreator         = types.CmQName("creator")
	PropModified        = types.CmQName("modified")
	PropModifier        = types.CmQName("modifier")
	PropOwner           = types.CmQName("owner")
	PropTitle           = types.CmQName("title")
	PropDescription     = types.CmQName("description")
	PropAutoVersion     = types.CmQName("autoVersion")
	PropInitialVersion  = types.CmQName("initialVersion")
)

// Built-in associations and association names
var (
	AssocChildren     = types.SysQName("children")
	AssocLostAndFound = types.SysQName("lost_found")
	AssocArchivedItem = types.SysQName("archivedItem")
	AssocContains     = types.CmQName("contains")
	AssocReferences   = types.CmQName("references")
)

// DerivedProperties are computed from node identity rather than stored
var DerivedProperties = []types.QName{
	PropNodeUUID,
	PropNodeDBID,
	PropStoreProtocol,
	PropStoreIdentifier,
}

func builtinModel() ([]*ClassDef, []*PropertyDef, []*AssocDef) {
	props := []*PropertyDef{
		{Name: PropNodeUUID, Type: DataTypeText, Protected: true},
		{Name: PropNodeDBID, Type: DataTypeLong, Protected: true},
		{Name: PropStoreProtocol, Type: DataTypeText, Protected: true},
		{Name: PropStoreIdentifier, Type: DataTypeText, Protected: true},
		{Name: PropLocale, Type: DataTypeLocale},
		{Name: PropArchivedBy, Type: DataTypeText},
		{Name: PropArchivedDate, Type: DataTypeDateTime},
		{Name: PropArchivedParent, Type: DataTypeChildAssocRef},
		{Name: PropArchivedOwner, Type: DataTypeText},
		{Name: PropCascadeCRC, Type: DataTypeLong, Protected: true},
		{Name: PropCascadeTx, Type: DataTypeLong, Protected: true},
		{Name: PropOriginalDBID, Type: DataTypeLong, Protected: true},
		{Name: PropRecoveredState, Type: DataTypeText, Protected: true},
		{Name: PropName, Type: DataTypeText, Mandatory: true},
		{Name: PropContent, Type: DataTypeContent},
		{Name: PropCreated, Type: DataTypeDateTime},
		{Name: PropCreator, Type: DataTypeText},
		{Name: PropModified, Type: DataTypeDateTime},
		{Name: PropModifier, Type: DataTypeText},
		{Name: PropOwner, Type: DataTypeText},
		{Name: PropTitle, Type: DataTypeText},
		{Name: PropDescription, Type: DataTypeText},
		{Name: PropAutoVersion, Type: DataTypeBoolean, Default: true},
		{Name: PropInitialVersion, Type: DataTypeBoolean, Default: true},
	}

	classes := []*ClassDef{
		{Name: TypeBase, Properties: DerivedProperties},
		{Name: TypeStoreRoot, Parent: TypeBase},
		{Name: TypeContainer, Parent: TypeBase},
		{Name: TypeLostAndFound, Parent: TypeContainer},
		{Name: TypeCmObject, Parent: TypeBase, Properties: []types.QName{PropName}, MandatoryAspects: []types.QName{AspectAuditable}},
		{Name: TypeFolder, Parent: TypeCmObject},
		{Name: TypeContent, Parent: TypeCmObject, Properties: []types.QName{PropContent}},

		{Name: AspectLocalized, IsAspect: true, Properties: []types.QName{PropLocale}},
		{Name: AspectTemporary, IsAspect: true},
		{Name: AspectArchived, IsAspect: true, Properties: []types.QName{PropArchivedBy, PropArchivedDate, PropArchivedParent, PropArchivedOwner}},
		{Name: AspectCascadeUpdate, IsAspect: true, Properties: []types.QName{PropCascadeCRC, PropCascadeTx}},
		{Name: AspectLostAndFound, IsAspect: true, Properties: []types.QName{PropOriginalDBID, PropRecoveredState}},
		{Name: AspectAuditable, IsAspect: true, Properties: []types.QName{PropCreated, PropCreator, PropModified, PropModifier}},
		{Name: AspectOwnable, IsAspect: true, Properties: []types.QName{PropOwner}},
		{Name: AspectTitled, IsAspect: true, Properties: []types.QName{PropTitle, PropDescription}},
		{Name: AspectVersionable, IsAspect: true, Properties: []types.QName{PropAutoVersion, PropInitialVersion}},
	}

	assocs := []*AssocDef{
		{Name: AssocChildren, IsChild: true},
		{Name: AssocLostAndFound, IsChild: true},
		{Name: AssocContains, IsChild: true},
		{Name: AssocReferences, IsChild: false},
	}
	return classes, props, assocs
}
