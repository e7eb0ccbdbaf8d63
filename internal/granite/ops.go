package granite

// Class is one of the remote classes the runtime resolves at startup.
type Class int

const (
	ClassDataBlock Class = iota
	ClassDataCollection
	ClassDataSource
	ClassMRDataSource
	ClassISBounds
	ClassRecordDescriptor
	classCount
)

// Remote class names, in the slash form used for lookup.
var classNames = [classCount]string{
	ClassDataBlock:        "edu/unh/sdb/datasource/DataBlock",
	ClassDataCollection:   "edu/unh/sdb/datasource/DataCollection",
	ClassDataSource:       "edu/unh/sdb/datasource/DataSource",
	ClassMRDataSource:     "edu/unh/sdb/datasource/MRDataSource",
	ClassISBounds:         "edu/unh/sdb/datasource/ISBounds",
	ClassRecordDescriptor: "edu/unh/sdb/common/RecordDescriptor",
}

// MultiresolutionClassName is the runtime type name reported by multiresolution sources.
const MultiresolutionClassName = "edu.unh.sdb.datasource.MRDataSource"

func (c Class) String() string {
	if c < 0 || c >= classCount {
		return "Class(?)"
	}
	return classNames[c]
}

// Op is one of the remote operations the runtime pre-resolves.
type Op int

const (
	OpDataSourceCreate Op = iota
	OpDataSourceActivate
	OpDataSourceDim
	OpDataSourceSubblock
	OpDataCollectionGetBounds
	OpDataCollectionGetFloats
	OpDataCollectionGetNumAttributes
	OpDataCollectionGetRecordDescriptor
	OpMRDataSourceChangeResolution
	OpMRDataSourceCoarser
	OpMRDataSourceGetNumResolutionLevels
	OpISBoundsGetLower
	OpISBoundsGetUpper
	OpISBoundsNew
	OpRecordDescriptorName
	opCount
)

// OpSpec describes how an operation is looked up on the remote side.
type OpSpec struct {
	Class     Class
	Name      string
	Signature string
	Static    bool
}

var opTable = [opCount]OpSpec{
	OpDataSourceCreate:                   {ClassDataSource, "create", "(Ljava/lang/String;Ljava/lang/String;)Ledu/unh/sdb/datasource/DataSource;", true},
	OpDataSourceActivate:                 {ClassDataSource, "activate", "()V", false},
	OpDataSourceDim:                      {ClassDataSource, "dim", "()I", false},
	OpDataSourceSubblock:                 {ClassDataSource, "subblock", "(Ledu/unh/sdb/datasource/ISBounds;)Ledu/unh/sdb/datasource/DataBlock;", false},
	OpDataCollectionGetBounds:            {ClassDataCollection, "getBounds", "()Ledu/unh/sdb/datasource/ISBounds;", false},
	OpDataCollectionGetFloats:            {ClassDataCollection, "getFloats", "()[F", false},
	OpDataCollectionGetNumAttributes:     {ClassDataCollection, "getNumAttributes", "()I", false},
	OpDataCollectionGetRecordDescriptor:  {ClassDataCollection, "getRecordDescriptor", "()Ledu/unh/sdb/common/RecordDescriptor;", false},
	OpMRDataSourceChangeResolution:       {ClassMRDataSource, "changeResolution", "(I)Z", false},
	OpMRDataSourceCoarser:                {ClassMRDataSource, "coarser", "()Z", false},
	OpMRDataSourceGetNumResolutionLevels: {ClassMRDataSource, "getNumResolutionLevels", "()I", false},
	OpISBoundsGetLower:                   {ClassISBounds, "getLower", "(I)I", false},
	OpISBoundsGetUpper:                   {ClassISBounds, "getUpper", "(I)I", false},
	OpISBoundsNew:                        {ClassISBounds, "<init>", "([I[I)V", false},
	OpRecordDescriptorName:               {ClassRecordDescriptor, "name", "(I)Ljava/lang/String;", false},
}

// Spec returns the lookup description for op.
func (op Op) Spec() OpSpec {
	if op < 0 || op >= opCount {
		return OpSpec{}
	}
	return opTable[op]
}

func (op Op) String() string {
	if op < 0 || op >= opCount {
		return "Op(?)"
	}
	s := opTable[op]
	short := s.Class.String()
	for i := len(short) - 1; i >= 0; i-- {
		if short[i] == '/' {
			short = short[i+1:]
			break
		}
	}
	return short + "." + s.Name
}

// Ops lists every operation in table order.
func Ops() []Op {
	ops := make([]Op, opCount)
	for i := range ops {
		ops[i] = Op(i)
	}
	return ops
}

// Classes lists every class in table order.
func Classes() []Class {
	cs := make([]Class, classCount)
	for i := range cs {
		cs[i] = Class(i)
	}
	return cs
}
